package routes

import (
	"github.com/gin-gonic/gin"

	"restaurant-ordering/handlers"
	"restaurant-ordering/middleware"
)

func SetupRoutes(r *gin.Engine, h *handlers.Handler, auth *middleware.Auth) {
	r.GET("/health", h.Health)

	// ── Public routes ──────────────────────────────────────────────
	public := r.Group("/api")
	{
		// Auth
		public.POST("/auth/register", h.Register)
		public.POST("/auth/login", h.Login)

		// Catalog (no auth needed)
		public.GET("/restaurants", h.ListRestaurants)
		public.GET("/restaurants/:id", h.GetRestaurant)
		public.GET("/restaurants/:id/dishes", h.ListRestaurantDishes)
		public.GET("/dishes", h.ListDishes)

		public.GET("/state-machine", h.GetStateMachineInfo)
	}

	// ── Authenticated routes ───────────────────────────────────────
	user := r.Group("/api")
	user.Use(auth.Required())
	{
		user.GET("/profile", h.GetProfile)

		user.POST("/orders", h.PlaceOrder)
		user.GET("/orders", h.ListOrders)
		user.GET("/orders/:id", h.GetOrder)

		user.POST("/favorites/:restaurantId", h.ToggleFavorite)
		user.GET("/favorites", h.ListFavorites)
	}

	// ── Admin routes ───────────────────────────────────────────────
	admin := r.Group("/api/admin")
	admin.Use(auth.Required(), middleware.AdminRequired())
	{
		admin.POST("/restaurants", h.CreateRestaurant)
		admin.PUT("/restaurants/:id", h.UpdateRestaurant)
		admin.DELETE("/restaurants/:id", h.DeleteRestaurant)

		admin.POST("/dishes", h.CreateDish)
		admin.PUT("/dishes/:id", h.UpdateDish)
		admin.DELETE("/dishes/:id", h.DeleteDish)

		admin.PUT("/orders/:id/status/:status", h.UpdateOrderStatus)
		admin.GET("/users", h.AdminListUsers)
		admin.GET("/dead-letters", h.AdminListDeadLetters)
	}
}
