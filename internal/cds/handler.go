package cds

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"polystore/pkg/domain"
)

// AuthFunc resolves the caller's security context from the request. A nil
// error with a zero context is treated as unauthenticated.
type AuthFunc func(c *gin.Context) (domain.SecurityContext, error)

// Handler exposes the CDS workflow over HTTP.
type Handler struct {
	workflow *Workflow
	auth     AuthFunc
}

// NewHandler wraps the workflow with its HTTP surface.
func NewHandler(workflow *Workflow, auth AuthFunc) *Handler {
	return &Handler{workflow: workflow, auth: auth}
}

// Register mounts the CDS routes on the router group.
func (h *Handler) Register(r gin.IRouter) {
	group := r.Group("/api/v1/cds")
	group.POST("/request", h.submit)
	group.POST("/:id/approve", h.approve)
	group.POST("/:id/complete", h.complete)
	group.GET("/:id", h.get)
	group.GET("/:id/events", h.events)
}

type submitBody struct {
	LogicalID           string   `json:"logical_id"`
	Direction           string   `json:"direction"`
	FromLevel           string   `json:"from_level"`
	ToLevel             string   `json:"to_level"`
	FromCompartments    []string `json:"from_compartments"`
	ToCompartments      []string `json:"to_compartments"`
	Justification       string   `json:"justification"`
	SanitizationProfile string   `json:"sanitization_profile"`
}

func (h *Handler) submit(c *gin.Context) {
	sctx, ok := h.authenticate(c)
	if !ok {
		return
	}
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	fromLevel, err := domain.ParseClassificationLevel(body.FromLevel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	toLevel, err := domain.ParseClassificationLevel(body.ToLevel)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	request, err := h.workflow.SubmitRequest(c.Request.Context(), domain.CDSRequest{
		LogicalID:           body.LogicalID,
		Direction:           domain.CDSDirection(body.Direction),
		FromLevel:           fromLevel,
		ToLevel:             toLevel,
		FromCompartments:    toCompartments(body.FromCompartments),
		ToCompartments:      toCompartments(body.ToCompartments),
		Justification:       body.Justification,
		SanitizationProfile: body.SanitizationProfile,
	}, sctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "id": request.ID})
}

type approveBody struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

func (h *Handler) approve(c *gin.Context) {
	sctx, ok := h.authenticate(c)
	if !ok {
		return
	}
	var body approveBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	request, err := h.workflow.RecordApproval(c.Request.Context(), c.Param("id"), domain.ApprovalDecision(body.Decision), body.Comment, sctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": request.Status})
}

type completeBody struct {
	SanitizedInstance map[string]any `json:"sanitized_instance"`
}

func (h *Handler) complete(c *gin.Context) {
	sctx, ok := h.authenticate(c)
	if !ok {
		return
	}
	var body completeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}
	request, err := h.workflow.Complete(c.Request.Context(), c.Param("id"), body.SanitizedInstance, sctx)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": request.Status})
}

func (h *Handler) get(c *gin.Context) {
	if _, ok := h.authenticate(c); !ok {
		return
	}
	request, err := h.workflow.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "request": request})
}

func (h *Handler) events(c *gin.Context) {
	if _, ok := h.authenticate(c); !ok {
		return
	}
	events, err := h.workflow.Events(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "events": events})
}

func (h *Handler) authenticate(c *gin.Context) (domain.SecurityContext, bool) {
	sctx, err := h.auth(c)
	if err != nil || sctx.SubjectID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false, "error": "unauthenticated"})
		return domain.SecurityContext{}, false
	}
	return sctx, true
}

// writeError maps the error taxonomy onto HTTP: denials are permission
// errors, preconditions carry their code for the client to branch on.
func writeError(c *gin.Context, err error) {
	switch {
	case domain.IsAccessDenied(err):
		c.JSON(http.StatusForbidden, gin.H{"ok": false, "error": "access denied"})
	case domain.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"ok": false, "error": err.Error()})
	case domain.IsPrecondition(err, ""):
		var pre domain.PreconditionError
		errors.As(err, &pre)
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": pre.Code})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
	}
}

func toCompartments(labels []string) domain.CompartmentSet {
	compartments := make([]domain.Compartment, 0, len(labels))
	for _, label := range labels {
		compartments = append(compartments, domain.Compartment(label))
	}
	return domain.NewCompartmentSet(compartments...)
}
