package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"active-tagger/internal/project"
)

type regexRequest struct {
	Name  string `json:"name" binding:"required"`
	Value string `json:"value" binding:"required"`
}

type projectionRequest struct {
	Method   string             `json:"method"`
	Params   map[string]float64 `json:"params"`
	Features []string           `json:"features" binding:"required"`
}

type simpleModelRequest struct {
	Scheme   string             `json:"scheme" binding:"required"`
	Features []string           `json:"features" binding:"required"`
	Kind     string             `json:"kind"`
	Params   map[string]float64 `json:"params"`
}

// ListFeatures returns the features by lifecycle state
func (h *Handler) ListFeatures(c *gin.Context) {
	p := current(c)
	c.JSON(http.StatusOK, gin.H{
		"features":    p.Features().Status(),
		"requestable": p.FeatureKinds(),
	})
}

// AddRegex adds a regex indicator feature
func (h *Handler) AddRegex(c *gin.Context) {
	var req regexRequest
	if !h.bind(c, &req) {
		return
	}
	if err := current(c).Features().AddRegex(req.Name, req.Value); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"name": req.Name, "status": "available"})
}

// RequestFeature starts computing a configured feature
func (h *Handler) RequestFeature(c *gin.Context) {
	name := c.Param("name")
	if err := current(c).RequestFeature(name); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"name": name, "status": "pending"})
}

// DeleteFeature removes an available feature
func (h *Handler) DeleteFeature(c *gin.Context) {
	if err := current(c).Features().Delete(c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// RequestProjection starts a projection for the user
func (h *Handler) RequestProjection(c *gin.Context) {
	user, valid := h.user(c)
	if !valid {
		return
	}
	var req projectionRequest
	if !h.bind(c, &req) {
		return
	}
	if err := current(c).RequestProjection(user, req.Method, req.Params, req.Features); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "computing"})
}

// CurrentProjection returns the resolved coordinates of the user's projection
func (h *Handler) CurrentProjection(c *gin.Context) {
	user, valid := h.user(c)
	if !valid {
		return
	}
	p := current(c)
	if st, found := p.Features().Projections()[user]; found && st.Status != "computed" {
		c.JSON(http.StatusOK, gin.H{"status": st.Status, "error": st.Error})
		return
	}
	coords, err := p.Features().Coordinates(user)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "computed", "coordinates": coords})
}

// ListSimpleModels returns the trained and training simple models
func (h *Handler) ListSimpleModels(c *gin.Context) {
	m := current(c).SimpleModels()
	c.JSON(http.StatusOK, gin.H{
		"available": m.Available(),
		"training":  m.Training(),
		"failed":    m.Failed(),
	})
}

// TrainSimpleModel starts training the user's simple model of a scheme
func (h *Handler) TrainSimpleModel(c *gin.Context) {
	user, valid := h.user(c)
	if !valid {
		return
	}
	var req simpleModelRequest
	if !h.bind(c, &req) {
		return
	}
	if err := current(c).TrainSimple(user, req.Scheme, req.Features, req.Kind, req.Params); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "training"})
}

// DeleteSimpleModel removes the user's simple model of a scheme
func (h *Handler) DeleteSimpleModel(c *gin.Context) {
	user, valid := h.user(c)
	if !valid {
		return
	}
	if err := current(c).SimpleModels().Delete(user, c.Param("scheme")); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// ListBertModels returns the transformer models, optionally of one scheme
func (h *Handler) ListBertModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": current(c).BertModels().Models(c.Query("scheme"))})
}

// TrainBertModel starts training a transformer model
func (h *Handler) TrainBertModel(c *gin.Context) {
	user, valid := h.user(c)
	if !valid {
		return
	}
	var req project.BertRequest
	if !h.bind(c, &req) {
		return
	}
	if err := current(c).TrainBert(user, req); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"name": req.Name, "status": "training"})
}

// StopBertModel stops the user's running training
func (h *Handler) StopBertModel(c *gin.Context) {
	user, valid := h.user(c)
	if !valid {
		return
	}
	if err := current(c).BertModels().StopTraining(user); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// GetBertModel returns a transformer model with its loss curve and scores
func (h *Handler) GetBertModel(c *gin.Context) {
	m, err := current(c).BertModels().Model(c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// DeleteBertModel removes a transformer model
func (h *Handler) DeleteBertModel(c *gin.Context) {
	if err := current(c).BertModels().Delete(c.Param("name")); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// PredictBertModel starts labelling the corpus with a trained model
func (h *Handler) PredictBertModel(c *gin.Context) {
	user, valid := h.user(c)
	if !valid {
		return
	}
	name := c.Param("name")
	if err := current(c).PredictBert(name, user); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"name": name, "status": "predicting"})
}

// RenameBertModel renames a transformer model
func (h *Handler) RenameBertModel(c *gin.Context) {
	var req renameRequest
	if !h.bind(c, &req) {
		return
	}
	if err := current(c).BertModels().Rename(c.Param("name"), req.Name); err != nil {
		h.fail(c, err)
		return
	}
	ok(c)
}

// BertPredictions returns the stored predictions of a model
func (h *Handler) BertPredictions(c *gin.Context) {
	rows, err := current(c).BertModels().Predictions(c.Param("name"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"predictions": rows,
		"total":       len(rows),
	})
}
