package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"restaurant-ordering/models"
)

// UpdateOrderStatus moves an order along the lifecycle (admin only)
func (h *Handler) UpdateOrderStatus(c *gin.Context) {
	id, ok := paramID(c, "id")
	if !ok {
		return
	}
	order, err := h.orders.UpdateStatus(c.Request.Context(), actor(c), id, c.Param("status"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":    "Order status updated",
		"order_id":   order.ID,
		"new_status": order.Status,
	})
}

// AdminListUsers returns all users (admin only)
func (h *Handler) AdminListUsers(c *gin.Context) {
	var users []models.User
	query := h.db.Order("id")
	if role := c.Query("role"); role != "" {
		query = query.Where("role = ?", role)
	}
	if err := query.Find(&users).Error; err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(users), "users": users})
}

// AdminListDeadLetters returns the writes the flusher gave up on
func (h *Handler) AdminListDeadLetters(c *gin.Context) {
	var letters []models.DeadLetter
	if err := h.db.Order("id desc").Limit(100).Find(&letters).Error; err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(letters), "dead_letters": letters})
}
