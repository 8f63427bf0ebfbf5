package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"active-tagger/internal/apperr"
	"active-tagger/internal/models"
	"active-tagger/internal/selection"
)

type schemeRequest struct {
	Name   string   `json:"name" binding:"required"`
	Labels []string `json:"labels"`
}

type labelsRequest struct {
	Labels []string `json:"labels"`
}

type renameRequest struct {
	Name string `json:"name" binding:"required"`
}

type labelRequest struct {
	Label string `json:"label" binding:"required"`
}

type tagRequest struct {
	ElementID string               `json:"element_id" binding:"required"`
	Scheme    string               `json:"scheme" binding:"required"`
	Label     string               `json:"label" binding:"required"`
	Selection models.SelectionMode `json:"selection"`
}

// ListSchemes returns the schemes with their labels
func (h *Handler) ListSchemes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"schemes": current(c).Schemes().Schemes()})
}

// AddScheme creates a scheme
func (h *Handler) AddScheme(c *gin.Context) {
	var req schemeRequest
	if !h.bind(c, &req) {
		return
	}
	if err := current(c).Schemes().AddScheme(req.Name, req.Labels); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "labels": req.Labels})
}

// UpdateScheme replaces the label list of a scheme
func (h *Handler) UpdateScheme(c *gin.Context) {
	var req labelsRequest
	if !h.bind(c, &req) {
		return
	}
	if err := current(c).Schemes().UpdateScheme(c.Param("scheme"), req.Labels); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// DeleteScheme removes a scheme with its annotations and simple models
func (h *Handler) DeleteScheme(c *gin.Context) {
	if err := current(c).DeleteScheme(c.Param("scheme")); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// RenameScheme renames a scheme
func (h *Handler) RenameScheme(c *gin.Context) {
	var req renameRequest
	if !h.bind(c, &req) {
		return
	}
	if err := current(c).RenameScheme(c.Param("scheme"), req.Name); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// AddLabel appends a label to a scheme
func (h *Handler) AddLabel(c *gin.Context) {
	var req labelRequest
	if !h.bind(c, &req) {
		return
	}
	if err := current(c).Schemes().AddLabel(c.Param("scheme"), req.Label); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// DeleteLabel removes a label from a scheme
func (h *Handler) DeleteLabel(c *gin.Context) {
	if err := current(c).Schemes().DeleteLabel(c.Param("scheme"), c.Param("label")); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// RenameLabel renames a label and rewrites its current annotations
func (h *Handler) RenameLabel(c *gin.Context) {
	var req renameRequest
	if !h.bind(c, &req) {
		return
	}
	if err := current(c).Schemes().RenameLabel(c.Param("scheme"), c.Param("label"), req.Name); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// Orphans lists annotations whose label left the scheme
func (h *Handler) Orphans(c *gin.Context) {
	orphans, err := current(c).Schemes().Orphans(c.Param("scheme"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orphans": orphans,
		"total":   len(orphans),
	})
}

// PushTag annotates an element
func (h *Handler) PushTag(c *gin.Context) {
	user, valid := h.user(c)
	if !valid {
		return
	}
	var req tagRequest
	if !h.bind(c, &req) {
		return
	}
	a, err := current(c).Schemes().PushTag(req.ElementID, req.Label, req.Scheme, user, req.Selection)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// DeleteTag clears the annotation of the user on an element
func (h *Handler) DeleteTag(c *gin.Context) {
	user, valid := h.user(c)
	if !valid {
		return
	}
	element, scheme := c.Query("element_id"), c.Query("scheme")
	if element == "" || scheme == "" {
		h.fail(c, apperr.InvalidInput.New("element_id and scheme are required"))
		return
	}
	if err := current(c).Schemes().DeleteTag(element, scheme, user); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// GetTable returns a page of the annotation table of a scheme
func (h *Handler) GetTable(c *gin.Context) {
	min, err := queryInt(c, "min", 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	max, err := queryInt(c, "max", 0)
	if err != nil {
		h.fail(c, err)
		return
	}
	mode := models.SampleMode(c.DefaultQuery("mode", string(models.SampleAll)))
	rows, err := current(c).Schemes().Table(c.Query("scheme"), min, max, mode)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rows":  rows,
		"total": len(rows),
	})
}

// PushTable applies a batch of annotations
func (h *Handler) PushTable(c *gin.Context) {
	user, valid := h.user(c)
	if !valid {
		return
	}
	var edits []models.TableEdit
	if !h.bind(c, &edits) {
		return
	}
	c.JSON(http.StatusOK, current(c).Schemes().PushTable(edits, user))
}

// Next selects the next element for the user
func (h *Handler) Next(c *gin.Context) {
	var req selection.Request
	if !h.bind(c, &req) {
		return
	}
	if req.User == "" {
		req.User = c.GetString(userKey)
	}
	res, err := current(c).Next(req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetElement returns an element with its annotations in a scheme
func (h *Handler) GetElement(c *gin.Context) {
	view, err := current(c).Element(c.Param("element_id"), c.Query("scheme"), c.GetString(userKey))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}
