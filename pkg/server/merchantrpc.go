package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/oracular-labs/fortunegate/pkg/config"
)

// SponsorFunc decides whether the merchant sponsors a relay request. The
// default sponsors everything, matching the reference deployment.
type SponsorFunc func(method string, params json.RawMessage) bool

// sponsoredMethods is the relay surface browsers may reach through the
// merchant endpoint.
var sponsoredMethods = map[string]struct{}{
	"wallet_prepareCalls":      {},
	"wallet_sendPreparedCalls": {},
	"wallet_getCallsStatus":    {},
	"wallet_getCapabilities":   {},
	"eth_chainId":              {},
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// merchantRPC forwards sponsored JSON-RPC requests to the transport mapped
// from the deployment chain id. Everything else about the relay protocol is
// opaque to this server.
type merchantRPC struct {
	transports map[uint64]string
	chainID    uint64
	sponsor    SponsorFunc
	client     *http.Client
	log        *zap.Logger
}

func newMerchantRPC(cfg *config.Config, log *zap.Logger) *merchantRPC {
	return &merchantRPC{
		transports: map[uint64]string{cfg.ChainID: cfg.RelayURL},
		chainID:    cfg.ChainID,
		sponsor:    func(string, json.RawMessage) bool { return true },
		client:     &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

func (m *merchantRPC) handle(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20))
	if err != nil {
		m.writeError(c, nil, -32700, "parse error")
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Method == "" {
		m.writeError(c, req.ID, -32700, "parse error")
		return
	}

	if _, ok := sponsoredMethods[req.Method]; !ok {
		m.writeError(c, req.ID, -32601, "method not found")
		return
	}
	if !m.sponsor(req.Method, req.Params) {
		m.writeError(c, req.ID, -32000, "request not sponsored")
		return
	}

	transport, ok := m.transports[m.chainID]
	if !ok {
		m.writeError(c, req.ID, -32000, "unsupported chain")
		return
	}

	upstream, err := http.NewRequestWithContext(c.Request.Context(), http.MethodPost, transport, bytes.NewReader(body))
	if err != nil {
		m.writeError(c, req.ID, -32000, "relay unavailable")
		return
	}
	upstream.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(upstream)
	if err != nil {
		m.log.Warn("relay forward failed", zap.String("method", req.Method), zap.Error(err))
		m.writeError(c, req.ID, -32000, "relay unavailable")
		return
	}
	defer resp.Body.Close()

	c.Status(resp.StatusCode)
	c.Header("Content-Type", "application/json")
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		m.log.Warn("relay response copy failed", zap.Error(err))
	}
}

func (m *merchantRPC) writeError(c *gin.Context, id json.RawMessage, code int, message string) {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	c.JSON(http.StatusOK, gin.H{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   gin.H{"code": code, "message": message},
	})
}
