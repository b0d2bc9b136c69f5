package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/sheetsync/internal/views"
	"github.com/gin-gonic/gin"
)

type saveCustomizationRequest struct {
	BaseArch   string `json:"base_arch"`
	CustomArch string `json:"custom_arch"`
}

type renderRequest struct {
	BaseArch string `json:"base_arch"`
}

type renderResponse struct {
	ViewKey string `json:"view_key"`
	Arch    string `json:"arch"`
}

func (h *httpHandler) viewKey(c *gin.Context) (views.ViewKey, bool) {
	viewKey, err := views.NewViewKey(c.Param("key"))
	if err != nil {
		h.respondError(c, err)
		return "", false
	}
	return viewKey, true
}

func (h *httpHandler) handleSaveCustomization(c *gin.Context) {
	viewKey, ok := h.viewKey(c)
	if !ok {
		return
	}
	var request saveCustomizationRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "malformed body")
		return
	}
	record, err := h.views.SaveCustomization(c.Request.Context(), viewKey, requestAuthor(c), request.BaseArch, request.CustomArch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleGetCustomization(c *gin.Context) {
	viewKey, ok := h.viewKey(c)
	if !ok {
		return
	}
	record, err := h.views.GetCustomization(c.Request.Context(), viewKey)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

func (h *httpHandler) handleDeleteCustomization(c *gin.Context) {
	viewKey, ok := h.viewKey(c)
	if !ok {
		return
	}
	if err := h.views.DeleteCustomization(c.Request.Context(), viewKey); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRender(c *gin.Context) {
	viewKey, ok := h.viewKey(c)
	if !ok {
		return
	}
	var request renderRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c, "malformed body")
		return
	}
	arch, err := h.views.Render(c.Request.Context(), viewKey, request.BaseArch)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderResponse{ViewKey: viewKey.String(), Arch: arch})
}
