package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"restaurant-ordering/middleware"
	"restaurant-ordering/models"
	"restaurant-ordering/service"
)

type PlaceOrderRequest struct {
	DishID   uint   `json:"dish_id" binding:"required"`
	Quantity int    `json:"quantity" binding:"required"`
	Note     string `json:"note"`
}

// PlaceOrder accepts an order for the next write batch. The response is sent
// before the order is stored, hence 202.
func (h *Handler) PlaceOrder(c *gin.Context) {
	var req PlaceOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	receipt, err := h.orders.PlaceOrder(c.Request.Context(), service.PlaceOrderInput{
		UserID:   middleware.GetUserID(c),
		DishID:   req.DishID,
		Quantity: req.Quantity,
		Note:     req.Note,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Order accepted",
		"order":   receipt,
	})
}

// ListOrders returns a page of the caller's orders; admins get all orders
func (h *Handler) ListOrders(c *gin.Context) {
	page := 1
	if p := c.Query("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid page"})
			return
		}
		page = n
	}

	result, err := h.orders.ListOrders(c.Request.Context(), actor(c), page, c.Query("status"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// GetOrder returns a single order's full detail with history
func (h *Handler) GetOrder(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	order, err := h.orders.GetOrder(c.Request.Context(), actor(c), id)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// ── Favorites ───────────────────────────────────────────────────────────────

// ToggleFavorite adds the restaurant to the caller's favorites, or removes it
// when it is already there
func (h *Handler) ToggleFavorite(c *gin.Context) {
	restaurantID, ok := paramID(c, "restaurantId")
	if !ok {
		return
	}
	userID := middleware.GetUserID(c)

	var restaurant models.Restaurant
	if err := h.db.First(&restaurant, restaurantID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Restaurant not found"})
		return
	}

	favorited := false
	err := h.db.Transaction(func(tx *gorm.DB) error {
		var fav models.Favorite
		err := tx.Where("user_id = ? AND restaurant_id = ?", userID, restaurantID).First(&fav).Error
		switch {
		case err == nil:
			return tx.Delete(&fav).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			favorited = true
			return tx.Create(&models.Favorite{UserID: userID, RestaurantID: restaurantID}).Error
		default:
			return err
		}
	})
	if err != nil {
		h.respondError(c, err)
		return
	}

	msg := "Removed from favorites"
	if favorited {
		msg = "Added to favorites"
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "favorited": favorited, "restaurant_id": restaurantID})
}

// ListFavorites returns the caller's favorite restaurants
func (h *Handler) ListFavorites(c *gin.Context) {
	var favorites []models.Favorite
	err := h.db.Preload("Restaurant").
		Where("user_id = ?", middleware.GetUserID(c)).
		Order("created_at desc, id desc").
		Find(&favorites).Error
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(favorites), "favorites": favorites})
}
