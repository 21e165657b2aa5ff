package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/escolalink/escola-api/internal/models"
	"github.com/escolalink/escola-api/internal/service"
	appErrors "github.com/escolalink/escola-api/pkg/errors"
	"github.com/escolalink/escola-api/pkg/response"
)

type mappingService interface {
	List(ctx context.Context) ([]models.ProductMapping, error)
	Upsert(ctx context.Context, req service.UpsertMappingRequest) (*models.ProductMapping, error)
	Delete(ctx context.Context, kiwifyProductID string) error
}

// MappingHandler administers Kiwify product to course mappings.
type MappingHandler struct {
	service mappingService
}

// NewMappingHandler constructs the handler.
func NewMappingHandler(service mappingService) *MappingHandler {
	return &MappingHandler{service: service}
}

// List godoc
// @Summary List product mappings
// @Tags Kiwify
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /kiwify/mappings [get]
func (h *MappingHandler) List(c *gin.Context) {
	items, err := h.service.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, nil)
}

// Upsert godoc
// @Summary Create or replace a product mapping
// @Tags Kiwify
// @Accept json
// @Produce json
// @Param id path string true "Kiwify product ID"
// @Param payload body service.UpsertMappingRequest true "Mapping payload"
// @Success 200 {object} response.Envelope
// @Router /kiwify/mappings/{id} [put]
func (h *MappingHandler) Upsert(c *gin.Context) {
	var req service.UpsertMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid mapping payload"))
		return
	}
	if req.KiwifyProductID == "" {
		req.KiwifyProductID = c.Param("id")
	}
	if req.KiwifyProductID != c.Param("id") {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "product id mismatch between path and body"))
		return
	}
	item, err := h.service.Upsert(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, item, nil)
}

// Delete godoc
// @Summary Delete a product mapping
// @Tags Kiwify
// @Produce json
// @Param id path string true "Kiwify product ID"
// @Success 204 {object} response.Envelope
// @Router /kiwify/mappings/{id} [delete]
func (h *MappingHandler) Delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
