package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"sweetshop/internal/models"
	"sweetshop/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orderService   *service.OrderService
	paymentService *service.PaymentService
	adminService   *service.AdminService
	dependencies   map[string]Pinger
}

// NewHandler creates a new HTTP handler. dependencies are pinged by /ready.
func NewHandler(
	orderService *service.OrderService,
	paymentService *service.PaymentService,
	adminService *service.AdminService,
	dependencies map[string]Pinger,
) *Handler {
	return &Handler{
		orderService:   orderService,
		paymentService: paymentService,
		adminService:   adminService,
		dependencies:   dependencies,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Gateway callbacks carry no user identity; the signature authenticates them.
		v1.POST("/payments/webhook", h.paymentWebhook)

		user := v1.Group("", requireUser())
		user.POST("/orders", h.createOrder)
		user.GET("/orders", h.listOrders)
		user.POST("/orders/verify", h.verifyPayment)
		user.GET("/orders/:id", h.getOrder)
		user.POST("/orders/:id/cancel", h.cancelOrder)

		admin := v1.Group("/admin", requireUser(), requireAdmin())
		admin.PUT("/orders/:id/status", h.updateOrderStatus)
		admin.POST("/sweets", h.createSweet)
		admin.PATCH("/sweets/:id", h.updateSweet)
		admin.POST("/sweets/:id/restock", h.restockSweet)
		admin.GET("/sweets/:id/ledger", h.ledgerReport)
		admin.POST("/sweets/:id/ledger/reconcile", h.reconcileLedger)
		admin.GET("/audit-logs", h.listAuditLogs)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := make(gin.H, len(h.dependencies))
	ready := true
	for name, dep := range h.dependencies {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

type createOrderRequest struct {
	Items []service.CartItem `json:"items" binding:"dive"`
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	result, err := h.orderService.CreateOrder(c.Request.Context(), userID(c), req.Items, c.GetHeader("Idempotency-Key"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"orderId":        result.Order.ID,
		"gatewayOrderId": result.GatewayOrderID,
		"amount":         result.Order.TotalAmount,
		"currency":       result.Order.Currency,
	})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orderService.GetOrder(c.Request.Context(), userID(c), isAdmin(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// listOrders returns the caller's orders
func (h *Handler) listOrders(c *gin.Context) {
	orders, err := h.orderService.ListOrders(c.Request.Context(), userID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// cancelOrder lets a customer cancel an unpaid order
func (h *Handler) cancelOrder(c *gin.Context) {
	order, err := h.orderService.CancelOrder(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": order.Status, "order": order})
}

type verifyPaymentRequest struct {
	OrderID          string `json:"orderId" binding:"required"`
	GatewayPaymentID string `json:"gatewayPaymentId" binding:"required"`
	GatewaySignature string `json:"gatewaySignature" binding:"required"`
}

// verifyPayment handles the client's post-checkout callback
func (h *Handler) verifyPayment(c *gin.Context) {
	var req verifyPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	// Ownership is checked before any state change.
	if _, err := h.orderService.GetOrder(c.Request.Context(), userID(c), isAdmin(c), req.OrderID); err != nil {
		writeError(c, err)
		return
	}

	order, err := h.paymentService.VerifyPayment(c.Request.Context(), req.OrderID, req.GatewayPaymentID, req.GatewaySignature)
	writeVerification(c, order, err)
}

type webhookRequest struct {
	GatewayOrderID   string `json:"gatewayOrderId" binding:"required"`
	GatewayPaymentID string `json:"gatewayPaymentId" binding:"required"`
	GatewaySignature string `json:"gatewaySignature" binding:"required"`
}

// paymentWebhook handles server-to-server payment callbacks from the gateway
func (h *Handler) paymentWebhook(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	order, err := h.paymentService.VerifyPaymentByGatewayOrder(c.Request.Context(),
		req.GatewayOrderID, req.GatewayPaymentID, req.GatewaySignature)
	writeVerification(c, order, err)
}

// writeVerification answers a replayed verification with the current order state
// instead of an error
func writeVerification(c *gin.Context, order *models.Order, err error) {
	switch {
	case err == nil, errors.Is(err, service.ErrAlreadyFinalized) && order != nil:
		c.JSON(http.StatusOK, gin.H{"status": order.Status, "order": order})
	case errors.Is(err, service.ErrSignatureInvalid) && order != nil:
		c.JSON(http.StatusPaymentRequired, gin.H{
			"error":  err.Error(),
			"status": order.Status,
			"order":  order,
		})
	default:
		writeError(c, err)
	}
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// updateOrderStatus applies an admin status change
func (h *Handler) updateOrderStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}
	status, err := models.ParseOrderStatus(req.Status)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := h.orderService.UpdateStatus(c.Request.Context(), userID(c), c.Param("id"), status)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

// createSweet adds a product
func (h *Handler) createSweet(c *gin.Context) {
	var req service.NewSweetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	sweet, err := h.adminService.CreateSweet(c.Request.Context(), userID(c), req)
	if err != nil {
		if sweet != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error(), "sweet": sweet})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"sweet": sweet})
}

// updateSweet patches the editable fields of a product
func (h *Handler) updateSweet(c *gin.Context) {
	var patch models.SweetPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	sweet, err := h.adminService.UpdateSweet(c.Request.Context(), userID(c), c.Param("id"), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweet": sweet})
}

type restockRequest struct {
	Quantity int    `json:"quantity" binding:"required,min=1"`
	Note     string `json:"note" binding:"max=500"`
}

// restockSweet adds stock through the ledger
func (h *Handler) restockSweet(c *gin.Context) {
	var req restockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	sweet, err := h.adminService.Restock(c.Request.Context(), userID(c), c.Param("id"), req.Quantity, req.Note)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweet": sweet})
}

func (h *Handler) ledgerReport(c *gin.Context) {
	report, err := h.adminService.LedgerReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ledger": report})
}

type reconcileRequest struct {
	ExpectedDrift *int `json:"expectedDrift" binding:"required"`
}

// reconcileLedger closes the drift the operator saw in the ledger report
func (h *Handler) reconcileLedger(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	report, err := h.adminService.ReconcileLedger(c.Request.Context(), userID(c), c.Param("id"), *req.ExpectedDrift)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ledger": report})
}

func (h *Handler) listAuditLogs(c *gin.Context) {
	filter := models.AuditLogFilter{
		ActorUserID:  c.Query("actorUserId"),
		ResourceType: c.Query("resourceType"),
		ResourceID:   c.Query("resourceId"),
	}
	filter.Limit, _ = strconv.Atoi(c.Query("limit"))
	filter.Offset, _ = strconv.Atoi(c.Query("offset"))

	logs, err := h.adminService.ListAuditLogs(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auditLogs": logs})
}

// writeError maps service errors to HTTP responses
func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrInvalidSweet):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSignatureInvalid):
		return http.StatusPaymentRequired
	case errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrSweetNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrInsufficientStock),
		errors.Is(err, service.ErrAlreadyFinalized),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrRequestInProgress),
		errors.Is(err, service.ErrVerificationInProgress),
		errors.Is(err, service.ErrLedgerNotFlagged),
		errors.Is(err, service.ErrLedgerChanged):
		return http.StatusConflict
	case errors.Is(err, service.ErrProductUnavailable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrGatewayUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
