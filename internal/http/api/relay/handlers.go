package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/ethgate/ethgate/internal/upstream"
)

// relayHandler proxies admitted requests to the upstream provider.
type relayHandler struct {
	client *upstream.Client
}

func newRelayHandler(client *upstream.Client) *relayHandler {
	return &relayHandler{client: client}
}

// TransactionByHash returns the transaction object for a hash.
func (h *relayHandler) TransactionByHash(c *gin.Context) {
	hash := strings.TrimSpace(c.Param("hash"))
	if hash == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing transaction hash"})
		return
	}

	raw, errFetch := h.client.TransactionByHash(c.Request.Context(), hash)
	if errFetch != nil {
		h.upstreamError(c, errFetch, "transaction lookup failed")
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// GasPrice returns the provider's current gas price.
func (h *relayHandler) GasPrice(c *gin.Context) {
	price, errFetch := h.client.GasPrice(c.Request.Context())
	if errFetch != nil {
		h.upstreamError(c, errFetch, "gas price lookup failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"gas_price": price})
}

// Call executes a read-only contract call.
func (h *relayHandler) Call(c *gin.Context) {
	// body holds the contract call payload.
	var body struct {
		To   string `json:"to"`
		Data string `json:"data"`
	}
	if errBindJSON := c.ShouldBindJSON(&body); errBindJSON != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	to := strings.TrimSpace(body.To)
	data := strings.TrimSpace(body.Data)
	if to == "" || data == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing contract address or call data"})
		return
	}

	if identity, ok := identityFrom(c); ok {
		log.WithFields(log.Fields{"account": identity.Name, "to": to}).Debug("relay: contract call")
	}

	raw, errCall := h.client.Call(c.Request.Context(), to, data)
	if errCall != nil {
		h.upstreamError(c, errCall, "contract call failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": json.RawMessage(raw)})
}

// NFTMetadata returns the metadata document for one NFT asset.
func (h *relayHandler) NFTMetadata(c *gin.Context) {
	address := strings.TrimSpace(c.Param("address"))
	tokenID := strings.TrimSpace(c.Param("id"))
	if address == "" || tokenID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing token address or token id"})
		return
	}

	raw, errFetch := h.client.NFTMetadata(c.Request.Context(), address, tokenID)
	if errFetch != nil {
		h.upstreamError(c, errFetch, "nft metadata lookup failed")
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// upstreamError maps upstream failures onto relay responses. Provider
// outages answer 502 so clients can tell them apart from their own errors.
func (h *relayHandler) upstreamError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, upstream.ErrUnavailable):
		log.WithError(err).Error("relay: upstream unavailable")
		c.JSON(http.StatusBadGateway, gin.H{"error": msg})
	default:
		log.WithError(err).Error("relay: upstream request failed")
		c.JSON(http.StatusBadGateway, gin.H{"error": msg})
	}
}
