package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/quantumauth-io/quantum-go-utils/log"

	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/chains"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/connector"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/networks"
	"github.com/quantumauth-io/quantum-market-client/internal/quantum-market-client/web3"
)

const connectTimeout = 2 * time.Minute

// Session is the slice of the wallet session manager the HTTP surface uses.
type Session interface {
	Snapshot() web3.Snapshot
	Subscribe() (<-chan web3.Snapshot, func())
	Connect(ctx context.Context) error
	Logout(ctx context.Context) error
}

type NetworkStore interface {
	Table() networks.Table
	FindByNetworkID(ctx context.Context, networkID uint64) (networks.NetworkMetadata, bool, error)
	ProbeRPC(ctx context.Context, rpcURL string) (networks.ProbeResult, error)
}

type ChainList interface {
	Chains() []chains.ChainConfig
	DefaultChainIDs() []uint64
	SupportedChainIDs() []uint64
}

// ProviderList is what the wallet picker offers.
type ProviderList interface {
	Providers() []connector.ProviderOption
}

type Handler struct {
	session  Session
	networks NetworkStore
	chains   ChainList
	origins  originSet

	// Metrics, when set, is served at /metrics.
	Metrics   http.Handler
	// Providers, when set, backs /api/wallet/providers.
	Providers ProviderList
}

func NewHandler(session Session, nets NetworkStore, chainList ChainList, allowedOrigins []string) *Handler {
	return &Handler{
		session:  session,
		networks: nets,
		chains:   chainList,
		origins:  newOriginSet(allowedOrigins),
	}
}

// -------- DTOs for local client API --------

type connectRes struct {
	Error   string        `json:"error,omitempty"`
	Retry   bool          `json:"retry"`
	Session web3.Snapshot `json:"session"`
}

type providerRes struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type probeReq struct {
	RpcUrl string `json:"rpcUrl" binding:"required"`
}

func (h *Handler) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func (h *Handler) Session(c *gin.Context) {
	c.JSON(http.StatusOK, h.session.Snapshot())
}

// Connect runs one connect attempt. A failure leaves the session retryable,
// which the response says so the storefront can offer a retry button.
func (h *Handler) Connect(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), connectTimeout)
	defer cancel()

	err := h.session.Connect(ctx)
	snap := h.session.Snapshot()
	switch {
	case err == nil:
		c.JSON(http.StatusOK, connectRes{Session: snap})
	case errors.Is(err, web3.ErrSessionClosed):
		c.JSON(http.StatusServiceUnavailable, connectRes{Error: err.Error(), Session: snap})
	case errors.Is(err, connector.ErrConnectionRejected):
		log.Info("[http] wallet connection rejected")
		c.JSON(http.StatusConflict, connectRes{Error: err.Error(), Retry: true, Session: snap})
	default:
		log.Error("[http] connect failed", "error", err)
		c.JSON(http.StatusBadGateway, connectRes{Error: err.Error(), Retry: true, Session: snap})
	}
}

func (h *Handler) Logout(c *gin.Context) {
	if err := h.session.Logout(c.Request.Context()); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, web3.ErrSessionClosed) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, h.session.Snapshot())
}

func (h *Handler) Chains(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"chains":            h.chains.Chains(),
		"defaultChainIds":   h.chains.DefaultChainIDs(),
		"supportedChainIds": h.chains.SupportedChainIDs(),
	})
}

// WalletProviders lists the wallet options without their node endpoints.
func (h *Handler) WalletProviders(c *gin.Context) {
	out := []providerRes{}
	if h.Providers != nil {
		for _, p := range h.Providers.Providers() {
			out = append(out, providerRes{ID: p.ID, Name: p.Name, Type: p.Type})
		}
	}
	c.JSON(http.StatusOK, gin.H{"providers": out})
}

func (h *Handler) Networks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"networks": h.networks.Table()})
}

func (h *Handler) Network(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("networkId"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid networkId"})
		return
	}

	n, ok, err := h.networks.FindByNetworkID(c.Request.Context(), id)
	if err != nil {
		log.Error("[http] network lookup failed", "networkId", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown network", "displayName": networks.DisplayName(nil, id)})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"network":     n,
		"displayName": networks.DisplayName(&n, id),
		"isTestnet":   networks.IsTestnet(&n),
	})
}

func (h *Handler) ProbeNetwork(c *gin.Context) {
	var req probeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.networks.ProbeRPC(c.Request.Context(), req.RpcUrl)
	if err != nil {
		log.Warn("[http] rpc probe failed", "rpcUrl", req.RpcUrl, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}
