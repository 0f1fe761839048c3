package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/homestock/backend/internal/auth"
	"github.com/kimhsiao/homestock/backend/internal/inventory"
	"github.com/kimhsiao/homestock/backend/internal/logging"
)

// EntityHandler serves household entity mutations.
type EntityHandler struct {
	store *inventory.Store
	log   *logging.Logger
}

// NewEntityHandler creates a new EntityHandler.
func NewEntityHandler(store *inventory.Store, log *logging.Logger) *EntityHandler {
	return &EntityHandler{store: store, log: log}
}

func createdStatus(created bool) int {
	if created {
		return http.StatusCreated
	}
	return http.StatusOK
}

// =====================================================
// Products
// =====================================================

// CreateProduct handles POST /api/products
func (h *EntityHandler) CreateProduct(c *gin.Context) {
	var in inventory.ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	product, created, err := h.store.CreateProduct(c.Request.Context(), auth.HouseholdID(c), in)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(createdStatus(created), product)
}

// UpdateProduct handles PUT /api/products/:id
func (h *EntityHandler) UpdateProduct(c *gin.Context) {
	var in inventory.ProductInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	product, err := h.store.UpdateProduct(c.Request.Context(), auth.HouseholdID(c), pathID(c), in)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// DeleteProduct handles DELETE /api/products/:id
func (h *EntityHandler) DeleteProduct(c *gin.Context) {
	if err := h.store.DeleteProduct(c.Request.Context(), auth.HouseholdID(c), pathID(c)); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// =====================================================
// Locations
// =====================================================

// CreateLocation handles POST /api/locations
func (h *EntityHandler) CreateLocation(c *gin.Context) {
	var in inventory.LocationInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	location, created, err := h.store.CreateLocation(c.Request.Context(), auth.HouseholdID(c), in)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(createdStatus(created), location)
}

// UpdateLocation handles PUT /api/locations/:id
func (h *EntityHandler) UpdateLocation(c *gin.Context) {
	var in inventory.LocationInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	location, err := h.store.UpdateLocation(c.Request.Context(), auth.HouseholdID(c), pathID(c), in)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, location)
}

// DeleteLocation handles DELETE /api/locations/:id
func (h *EntityHandler) DeleteLocation(c *gin.Context) {
	if err := h.store.DeleteLocation(c.Request.Context(), auth.HouseholdID(c), pathID(c)); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// =====================================================
// Inventory
// =====================================================

// CreateInventoryItem handles POST /api/inventory
func (h *EntityHandler) CreateInventoryItem(c *gin.Context) {
	var in inventory.InventoryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	item, created, err := h.store.CreateInventoryItem(c.Request.Context(), auth.HouseholdID(c), in)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(createdStatus(created), item)
}

// UpdateInventoryItem handles PUT /api/inventory/:id
func (h *EntityHandler) UpdateInventoryItem(c *gin.Context) {
	var in inventory.InventoryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	item, err := h.store.UpdateInventoryItem(c.Request.Context(), auth.HouseholdID(c), pathID(c), in)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// DeleteInventoryItem handles DELETE /api/inventory/:id
func (h *EntityHandler) DeleteInventoryItem(c *gin.Context) {
	if err := h.store.DeleteInventoryItem(c.Request.Context(), auth.HouseholdID(c), pathID(c)); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// QuickAdd handles POST /api/inventory/quick-add
func (h *EntityHandler) QuickAdd(c *gin.Context) {
	var in inventory.QuickAddInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	item, err := h.store.QuickAdd(c.Request.Context(), auth.HouseholdID(c), in)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// =====================================================
// Grocery
// =====================================================

// CreateGroceryItem handles POST /api/grocery
func (h *EntityHandler) CreateGroceryItem(c *gin.Context) {
	var in inventory.GroceryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	item, created, err := h.store.CreateGroceryItem(c.Request.Context(), auth.HouseholdID(c), in)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(createdStatus(created), item)
}

// UpdateGroceryItem handles PUT /api/grocery/:id
func (h *EntityHandler) UpdateGroceryItem(c *gin.Context) {
	var in inventory.GroceryInput
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, "invalid request body")
		return
	}
	item, err := h.store.UpdateGroceryItem(c.Request.Context(), auth.HouseholdID(c), pathID(c), in)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// DeleteGroceryItem handles DELETE /api/grocery/:id
func (h *EntityHandler) DeleteGroceryItem(c *gin.Context) {
	if err := h.store.DeleteGroceryItem(c.Request.Context(), auth.HouseholdID(c), pathID(c)); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Checkout handles POST /api/grocery/:id/checkout
func (h *EntityHandler) Checkout(c *gin.Context) {
	var in inventory.CheckoutInput
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&in); err != nil {
			badRequest(c, "invalid request body")
			return
		}
	}
	item, err := h.store.Checkout(c.Request.Context(), auth.HouseholdID(c), pathID(c), in)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, item)
}
