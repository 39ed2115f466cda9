// Package server exposes the payment-gated HTTP surface: the protected
// fortune resource, the merchant relay passthrough, and a liveness probe.
package server

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/oracular-labs/fortunegate/pkg/codec"
	"github.com/oracular-labs/fortunegate/pkg/config"
	"github.com/oracular-labs/fortunegate/pkg/eip3009"
	"github.com/oracular-labs/fortunegate/pkg/fortune"
	"github.com/oracular-labs/fortunegate/pkg/settle"
	"github.com/oracular-labs/fortunegate/pkg/types"
)

// Client-facing error messages, fixed per category. Internal detail never
// crosses this boundary; it goes to the log.
const (
	msgMalformedHeader  = "Invalid payment header format"
	msgInvalidStructure = "Invalid payment data structure"
	msgPaymentFailed    = "Payment execution failed"
)

// Settler is the settlement surface the gate depends on. The concrete
// implementation is settle.Settler; tests substitute a double.
type Settler interface {
	Submit(ctx context.Context, auth *eip3009.Authorization, signature []byte) (*settle.Attempt, error)
	Watch(ctx context.Context, attempt *settle.Attempt) error
}

// HealthChecker reports whether the relay answers.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// Server wires the handlers to their collaborators.
type Server struct {
	cfg     *config.Config
	settler Settler
	health  HealthChecker
	rpc     *merchantRPC
	log     *zap.Logger
}

// New builds a Server. health may be nil when no relay probe is available.
func New(cfg *config.Config, settler Settler, health HealthChecker, log *zap.Logger) *Server {
	return &Server{
		cfg:     cfg,
		settler: settler,
		health:  health,
		rpc:     newMerchantRPC(cfg, log),
		log:     log,
	}
}

// Router assembles the gin engine with CORS applied to every route.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(s.cfg.AllowedOrigins))

	r.GET("/api/self/fortune", s.handleFortune)
	r.POST("/rpc", s.rpc.handle)
	r.GET("/healthz", s.handleHealthz)

	return r
}

// handleFortune is the resource gate: challenge, decode, settle, release.
func (s *Server) handleFortune(c *gin.Context) {
	header := strings.TrimSpace(c.GetHeader("X-PAYMENT"))
	if header == "" {
		c.JSON(http.StatusPaymentRequired, s.paymentRequirements(c))
		return
	}

	payload, err := codec.Decode(header)
	if err != nil {
		s.log.Info("rejected payment header", zap.Error(err))
		switch {
		case errors.Is(err, codec.ErrInvalidPaymentStructure):
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidStructure})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": msgMalformedHeader})
		}
		return
	}

	auth, err := eip3009.ParseAuthorization(payload.Payload.Authorization)
	if err != nil {
		s.log.Info("rejected authorization", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidStructure})
		return
	}
	signature, err := eip3009.ParseSignature(payload.Payload.Signature)
	if err != nil {
		s.log.Info("rejected signature", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidStructure})
		return
	}

	if s.cfg.LocalVerify {
		domain := eip3009.Domain{
			Name:    s.cfg.AssetName,
			Version: s.cfg.AssetVersion,
			ChainID: new(big.Int).SetUint64(s.cfg.ChainID),
			Asset:   s.cfg.Asset,
		}
		if err := eip3009.VerifySigner(auth, domain, signature); err != nil {
			// Fast fail before spending relay effort. The contract would
			// reject this signature anyway.
			s.log.Info("local signature verification failed", zap.Error(err))
			c.JSON(http.StatusBadRequest, gin.H{"error": msgInvalidStructure})
			return
		}
	}

	attempt, err := s.settler.Submit(c.Request.Context(), auth, signature)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgPaymentFailed})
		return
	}

	// Submission is irrevocable; watch on a context that survives a client
	// disconnect so the terminal status always lands in the logs.
	watchCtx := context.WithoutCancel(c.Request.Context())
	if err := s.settler.Watch(watchCtx, attempt); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": msgPaymentFailed})
		return
	}

	if c.Request.Context().Err() != nil {
		// Client went away mid-settlement; nothing left to respond to.
		c.Abort()
		return
	}

	settleResp := &types.SettleResponse{
		Success:     true,
		Transaction: attempt.Transaction.Hex(),
		Network:     s.cfg.Network,
	}
	if encoded, err := settleResp.EncodeToBase64String(); err == nil {
		c.Header("X-PAYMENT-RESPONSE", encoded)
	}

	body := fortune.Draw(s.cfg.PriceFloat())
	body.Transaction = attempt.Transaction.Hex()
	c.JSON(http.StatusOK, body)
}

// paymentRequirements builds the 402 challenge for the current request.
// The resource URL is re-derived from request metadata on every call so it
// always names the exact endpoint that produced the challenge.
func (s *Server) paymentRequirements(c *gin.Context) *types.PaymentRequirements {
	atomic, _ := s.cfg.AtomicPrice()
	return &types.PaymentRequirements{
		Scheme:            types.SchemeExact,
		Network:           s.cfg.Network,
		MaxAmountRequired: atomic.String(),
		Resource:          s.resourceURL(c),
		Description:       s.cfg.Description,
		MimeType:          s.cfg.MimeType,
		PayTo:             s.cfg.PayTo.Hex(),
		MaxTimeoutSeconds: s.cfg.MaxTimeoutSeconds,
		Asset:             s.cfg.Asset.Hex(),
		Extra: &types.PaymentExtra{
			Name:    s.cfg.AssetName,
			Version: s.cfg.AssetVersion,
		},
	}
}

func (s *Server) resourceURL(c *gin.Context) string {
	host := c.Request.Host
	if host == "" {
		return strings.TrimSuffix(s.cfg.BaseURL, "/") + c.Request.URL.Path
	}
	scheme := "http"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + host + c.Request.URL.Path
}

func (s *Server) handleHealthz(c *gin.Context) {
	if s.health != nil {
		if err := s.health.Healthy(c.Request.Context()); err != nil {
			s.log.Warn("health probe failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
