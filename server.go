package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/hub"
	"bitbucket.org/mmdatafocus/orders_backend/middlewares"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/momo"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"bitbucket.org/mmdatafocus/orders_backend/workflow"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const defaultPort = "8080"

var tracer = otel.Tracer("orders-backend")

var (
	notificationHub *hub.Hub
	momoClient      *momo.Client
)

const maxWebhookBody = 1 << 20

func webhookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), "webhook.payments", trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		rawBody, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
			return
		}
		signature := c.GetHeader("X-Signature")
		timestamp := c.GetHeader("X-Timestamp")

		result, err := workflow.ProcessPaymentWebhook(ctx, rawBody, signature, timestamp)
		if err != nil {
			switch {
			case errors.Is(err, utils.ErrorInvalidSignature):
				// Policy: acknowledge so the provider does not retry-storm a
				// signature we will never accept. The failure is already logged.
				c.JSON(http.StatusOK, gin.H{"received": true, "processed": false, "eventId": ""})
			case errors.Is(err, utils.ErrorValidation):
				c.JSON(http.StatusBadRequest, gin.H{"error": "malformed webhook body"})
			default:
				config.LogError(config.GetLogger(), "server", "webhookHandler", "webhook processing failed", nil, err)
				c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			}
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"received":  true,
			"processed": result.Processed,
			"eventId":   result.EventId,
		})
	}
}

func createOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			var ve validator.ValidationErrors
			if errors.As(err, &ve) {
				c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		order, err := models.CreateOrder(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}

		// Initiate collection when the customer supplied a payer phone. The
		// reference is the order number; webhook matching depends on it.
		if momoClient != nil && order.CustomerPhone != "" {
			go func(phone, reference string, amount decimal.Decimal) {
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				_, err := momoClient.Collect(ctx, momo.CollectRequest{
					Amount:      amount,
					PhoneNumber: phone,
					Reference:   reference,
					CallbackURL: config.WebhookCallbackURL(),
				})
				if err != nil {
					config.LogError(config.GetLogger(), "server", "createOrderHandler", "collect initiation failed", reference, err)
				}
			}(order.CustomerPhone, order.OrderNumber, order.TotalAmount)
		}

		c.JSON(http.StatusCreated, order)
	}
}

type transitionRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

func transitionOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transitionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
		order, err := models.TransitionOrderStatus(c.Request.Context(), businessId, c.Param("orderNumber"), req.Status)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

type manualPaymentRequest struct {
	CapturedAmount        decimal.Decimal `json:"captured_amount" binding:"required"`
	Method                string          `json:"method" binding:"required"`
	ExternalTransactionId string          `json:"external_transaction_id"`
}

func manualPaymentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req manualPaymentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
		order, err := models.ApplyManualPayment(c.Request.Context(), businessId, c.Param("orderNumber"),
			req.CapturedAmount, req.Method, req.ExternalTransactionId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func eligibleOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		businessId, _ := utils.GetBusinessIdFromContext(c.Request.Context())
		day, err := utils.ParseDayUTC(c.Query("date"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		orders, err := workflow.ListEligibleOrders(c.Request.Context(), businessId, day, c.Query("method"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
	}
}

type settleRequest struct {
	Date          string `json:"date" binding:"required"`
	MethodPattern string `json:"method_pattern" binding:"required"`
	Secret        string `json:"secret" binding:"required"`
}

func settleWithdrawalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req settleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := c.Request.Context()
		businessId, _ := utils.GetBusinessIdFromContext(ctx)
		day, err := utils.ParseDayUTC(req.Date)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		userId, _ := utils.GetUserIdFromContext(ctx)
		userName, _ := utils.GetUserNameFromContext(ctx)
		role, _ := utils.GetUserRoleFromContext(ctx)

		batch, err := workflow.AuthorizeAndSettle(ctx, businessId, workflow.SettleWithdrawalInput{
			Date:          day,
			MethodPattern: req.MethodPattern,
			Secret:        req.Secret,
			AuthorizerId:  userId,
			Authorizer:    userName,
			Role:          role,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, batch)
	}
}

type rotateSecretRequest struct {
	NewSecret string `json:"new_secret" binding:"required,min=4"`
	Reason    string `json:"reason"`
}

func rotateSecretHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req rotateSecretRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		ctx := c.Request.Context()
		businessId, _ := utils.GetBusinessIdFromContext(ctx)
		userId, _ := utils.GetUserIdFromContext(ctx)
		userName, _ := utils.GetUserNameFromContext(ctx)

		if err := workflow.RotateWithdrawalSecret(ctx, businessId, req.NewSecret, userId, userName, req.Reason); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"rotated": true})
	}
}

// respondError maps the settlement error taxonomy onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	if locked, ok := utils.AsLockedError(err); ok {
		c.JSON(http.StatusLocked, gin.H{
			"error":               "withdrawal secret locked",
			"retry_after_seconds": int(locked.RetryAfter.Seconds()),
		})
		return
	}
	switch {
	case errors.Is(err, utils.ErrorValidation), errors.Is(err, utils.ErrorNegativeAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorAlreadyWithdrawn):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, utils.ErrorSecretDenied):
		c.JSON(http.StatusForbidden, gin.H{"error": "withdrawal secret denied"})
	case errors.Is(err, utils.ErrorSecretNotProvisioned):
		c.JSON(http.StatusForbidden, gin.H{"error": "withdrawal secret not provisioned"})
	case errors.Is(err, utils.ErrorEmptySelection):
		c.JSON(http.StatusNotFound, gin.H{"error": "no eligible orders for withdrawal"})
	case errors.Is(err, utils.ErrorRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	default:
		config.LogError(config.GetLogger(), "server", "respondError", "unhandled error", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func newRouter() *gin.Engine {
	r := gin.Default()
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Signature", "X-Timestamp"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(middlewares.AuthMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	r.POST("/webhooks/payments", webhookHandler())
	r.GET("/ws", notificationHub.ServeWS)

	api := r.Group("/api")
	{
		api.POST("/orders", createOrderHandler())

		staff := api.Group("")
		staff.Use(middlewares.RequireStaff())
		{
			staff.POST("/orders/:orderNumber/status", transitionOrderHandler())
			staff.POST("/orders/:orderNumber/payment", manualPaymentHandler())
			staff.GET("/withdrawals/eligible", eligibleOrdersHandler())
			staff.POST("/withdrawals", settleWithdrawalHandler())
			staff.POST("/withdrawals/secret", rotateSecretHandler())
		}
	}
	return r
}

func main() {
	logger := config.GetLogger()

	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}

	notificationHub = hub.New(logger)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: newRouter(),
	}

	// Start listening before the DB is up (Cloud Run requires a fast bind);
	// handlers that need the DB fail until ConnectDatabaseWithRetry succeeds.
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %v", err)
		}
	}()

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()
	config.ConnectRedisWithRetry()

	if client, err := momo.NewClient(); err == nil {
		momoClient = client
	} else {
		config.LogError(logger, "server", "main", "momo client disabled", nil, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go workflow.NewOutboxDispatcher(config.GetDB(), logger, notificationHub).Run(ctx)
	go notificationHub.RunSweeper(ctx, config.HubSweepInterval(), config.HubIdleTimeout())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		config.LogError(logger, "server", "main", "server shutdown failed", nil, err)
	}
}
