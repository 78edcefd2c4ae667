package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"restaurant-ordering/logging"
	"restaurant-ordering/middleware"
	"restaurant-ordering/models"
	"restaurant-ordering/service"
	"restaurant-ordering/statemachine"
)

// Handler serves the HTTP API. Catalog and account endpoints talk to the
// database directly; order endpoints go through the order service.
type Handler struct {
	db     *gorm.DB
	auth   *middleware.Auth
	orders *service.OrderService
	logger zerolog.Logger
}

func New(db *gorm.DB, auth *middleware.Auth, orders *service.OrderService, logger zerolog.Logger) *Handler {
	return &Handler{
		db:     db,
		auth:   auth,
		orders: orders,
		logger: logger.With().Str("component", "http").Logger(),
	}
}

func actor(c *gin.Context) service.Actor {
	return service.Actor{UserID: middleware.GetUserID(c), Role: middleware.GetRole(c)}
}

// paramID reads a positive numeric path parameter, answering 400 otherwise.
func paramID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return uint(id), true
}

// respondError maps service and domain errors to HTTP responses. Anything
// unmapped is logged with the request id and answered with a 500.
func (h *Handler) respondError(c *gin.Context, err error) {
	var verr *service.ValidationError
	var terr *statemachine.TransitionError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Error(), "field": verr.Field})
	case errors.As(err, &terr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":             "Invalid status transition",
			"reason":            terr.Error(),
			"current_state":     terr.From,
			"valid_transitions": statemachine.ValidTransitionsFrom(terr.From),
		})
	case errors.Is(err, service.ErrInvalidStatus):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "valid_statuses": models.AllStatuses})
	case errors.Is(err, models.ErrIntegrity):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrDishUnavailable):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Dish is not available"})
	case errors.Is(err, service.ErrDishNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Dish not found"})
	case errors.Is(err, service.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Order not found"})
	case errors.Is(err, service.ErrUserNotFound):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User no longer exists"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "Access denied"})
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "Order was updated by someone else, reload and retry"})
	default:
		h.logger.Error().Err(err).
			Str("request_id", logging.RequestID(c)).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Msg("request failed")
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}
}
