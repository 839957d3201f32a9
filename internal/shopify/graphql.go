package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// GraphQLError carries top-level errors of a GraphQL response.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "shopify: graphql: " + strings.Join(e.Messages, "; ")
}

// UserError is a validation error reported by a mutation.
type UserError struct {
	Field   []string `json:"field"`
	Message string   `json:"message"`
}

func (e UserError) String() string {
	if len(e.Field) == 0 {
		return e.Message
	}
	return strings.Join(e.Field, ".") + ": " + e.Message
}

// GID builds a global id such as gid://shopify/Order/42.
func GID(kind string, id int64) string {
	return "gid://shopify/" + kind + "/" + strconv.FormatInt(id, 10)
}

// ParseGID returns the numeric tail of a global id.
func ParseGID(gid string) (int64, error) {
	i := strings.LastIndexByte(gid, '/')
	id, err := strconv.ParseInt(gid[i+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("shopify: bad gid %q", gid)
	}
	return id, nil
}

// GraphQL runs one query or mutation and decodes its data into out.
func (c *Client) GraphQL(ctx context.Context, shop, token, query string, vars map[string]any, out any) error {
	var resp struct {
		Data   json.RawMessage `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	endpoint := fmt.Sprintf("%s/admin/api/%s/graphql.json", c.baseURL(shop), c.apiVersion)
	if err := c.doJSON(ctx, http.MethodPost, endpoint, token, map[string]any{"query": query, "variables": vars}, &resp); err != nil {
		return err
	}
	if len(resp.Errors) > 0 {
		ge := &GraphQLError{}
		for _, e := range resp.Errors {
			ge.Messages = append(ge.Messages, e.Message)
		}
		return ge
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Data, out)
}

type FulfillmentLineItem struct {
	ID                string
	RemainingQuantity int
}

// FulfillmentOrder is an open fulfillment grouping of a remote order.
type FulfillmentOrder struct {
	ID        string
	LineItems []FulfillmentLineItem
}

const openFulfillmentOrderQuery = `
query($id: ID!) {
  order(id: $id) {
    fulfillmentOrders(first: 1, query: "status:open") {
      edges {
        node {
          id
          lineItems(first: 250) {
            edges { node { id remainingQuantity } }
          }
        }
      }
    }
  }
}`

// OpenFulfillmentOrder returns the first open fulfillment order, or nil when there is none.
func (c *Client) OpenFulfillmentOrder(ctx context.Context, shop, token string, orderID int64) (*FulfillmentOrder, error) {
	var data struct {
		Order *struct {
			FulfillmentOrders struct {
				Edges []struct {
					Node struct {
						ID        string `json:"id"`
						LineItems struct {
							Edges []struct {
								Node struct {
									ID                string `json:"id"`
									RemainingQuantity int    `json:"remainingQuantity"`
								} `json:"node"`
							} `json:"edges"`
						} `json:"lineItems"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"fulfillmentOrders"`
		} `json:"order"`
	}
	if err := c.GraphQL(ctx, shop, token, openFulfillmentOrderQuery, map[string]any{"id": GID("Order", orderID)}, &data); err != nil {
		return nil, fmt.Errorf("fulfillment orders of %d: %w", orderID, err)
	}
	if data.Order == nil || len(data.Order.FulfillmentOrders.Edges) == 0 {
		return nil, nil
	}
	node := data.Order.FulfillmentOrders.Edges[0].Node
	fo := &FulfillmentOrder{ID: node.ID}
	for _, e := range node.LineItems.Edges {
		fo.LineItems = append(fo.LineItems, FulfillmentLineItem{ID: e.Node.ID, RemainingQuantity: e.Node.RemainingQuantity})
	}
	return fo, nil
}

type TrackingInfo struct {
	Number  string `json:"number,omitempty"`
	Company string `json:"company,omitempty"`
	URL     string `json:"url,omitempty"`
}

type FulfillmentRequest struct {
	FulfillmentOrderID string
	LineItems          []FulfillmentLineItem
	NotifyCustomer     bool
	Tracking           *TrackingInfo
}

const fulfillmentCreateMutation = `
mutation fulfillmentCreate($fulfillment: FulfillmentInput!) {
  fulfillmentCreate(fulfillment: $fulfillment) {
    fulfillment { id status }
    userErrors { field message }
  }
}`

// CreateFulfillment submits a fulfillment for the given line items and quantities.
// Validation problems come back as user errors, not as err.
func (c *Client) CreateFulfillment(ctx context.Context, shop, token string, req FulfillmentRequest) ([]UserError, error) {
	items := make([]map[string]any, 0, len(req.LineItems))
	for _, li := range req.LineItems {
		items = append(items, map[string]any{"id": li.ID, "quantity": li.RemainingQuantity})
	}
	input := map[string]any{
		"notifyCustomer": req.NotifyCustomer,
		"lineItemsByFulfillmentOrder": []map[string]any{{
			"fulfillmentOrderId":        req.FulfillmentOrderID,
			"fulfillmentOrderLineItems": items,
		}},
	}
	if req.Tracking != nil {
		input["trackingInfo"] = req.Tracking
	}

	var data struct {
		FulfillmentCreate struct {
			UserErrors []UserError `json:"userErrors"`
		} `json:"fulfillmentCreate"`
	}
	if err := c.GraphQL(ctx, shop, token, fulfillmentCreateMutation, map[string]any{"fulfillment": input}, &data); err != nil {
		return nil, fmt.Errorf("create fulfillment %s: %w", req.FulfillmentOrderID, err)
	}
	return data.FulfillmentCreate.UserErrors, nil
}

const inventoryItemQuery = `
query($sku_filter: String!) {
  productVariants(first: 1, query: $sku_filter) {
    edges { node { inventoryItem { id } } }
  }
}`

// InventoryItemID resolves a SKU to its inventory item id; 0 when no variant carries the SKU.
func (c *Client) InventoryItemID(ctx context.Context, shop, token, sku string) (int64, error) {
	var data struct {
		ProductVariants struct {
			Edges []struct {
				Node struct {
					InventoryItem struct {
						ID string `json:"id"`
					} `json:"inventoryItem"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"productVariants"`
	}
	if err := c.GraphQL(ctx, shop, token, inventoryItemQuery, map[string]any{"sku_filter": "sku:" + sku}, &data); err != nil {
		return 0, fmt.Errorf("inventory item for sku %q: %w", sku, err)
	}
	if len(data.ProductVariants.Edges) == 0 {
		return 0, nil
	}
	return ParseGID(data.ProductVariants.Edges[0].Node.InventoryItem.ID)
}

const firstLocationQuery = `
query {
  locations(first: 1) {
    edges { node { id } }
  }
}`

// FirstLocationID returns the shop's first stock location; 0 when it has none.
func (c *Client) FirstLocationID(ctx context.Context, shop, token string) (int64, error) {
	var data struct {
		Locations struct {
			Edges []struct {
				Node struct {
					ID string `json:"id"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"locations"`
	}
	if err := c.GraphQL(ctx, shop, token, firstLocationQuery, nil, &data); err != nil {
		return 0, fmt.Errorf("locations of %s: %w", shop, err)
	}
	if len(data.Locations.Edges) == 0 {
		return 0, nil
	}
	return ParseGID(data.Locations.Edges[0].Node.ID)
}

const setQuantitiesMutation = `
mutation inventorySetQuantities($input: InventorySetQuantitiesInput!) {
  inventorySetQuantities(input: $input) {
    inventoryAdjustmentGroup { changes { quantityAfterChange } }
    userErrors { field message }
  }
}`

// SetAvailableQuantity overwrites the available quantity of an item at a location.
func (c *Client) SetAvailableQuantity(ctx context.Context, shop, token string, inventoryItemID, locationID int64, qty int) ([]UserError, error) {
	input := map[string]any{
		"name":                  "available",
		"reason":                "correction",
		"ignoreCompareQuantity": true,
		"quantities": []map[string]any{{
			"inventoryItemId": GID("InventoryItem", inventoryItemID),
			"locationId":      GID("Location", locationID),
			"quantity":        qty,
		}},
	}
	var data struct {
		InventorySetQuantities struct {
			UserErrors []UserError `json:"userErrors"`
		} `json:"inventorySetQuantities"`
	}
	if err := c.GraphQL(ctx, shop, token, setQuantitiesMutation, map[string]any{"input": input}, &data); err != nil {
		return nil, fmt.Errorf("set quantity of item %d: %w", inventoryItemID, err)
	}
	return data.InventorySetQuantities.UserErrors, nil
}
