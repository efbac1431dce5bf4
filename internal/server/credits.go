package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	meteringdomain "github.com/smallbiznis/creditmeter/internal/metering/domain"
	obscontext "github.com/smallbiznis/creditmeter/internal/observability/context"
	usagelogdomain "github.com/smallbiznis/creditmeter/internal/usagelog/domain"
	"github.com/smallbiznis/creditmeter/pkg/db/pagination"
)

type debitRequest struct {
	UserID    string         `json:"user_id" binding:"required"`
	Feature   string         `json:"feature" binding:"required"`
	SessionID string         `json:"session_id" binding:"required"`
	Metadata  map[string]any `json:"metadata"`
}

type outcomeRequest struct {
	UserID    string         `json:"user_id" binding:"required"`
	Feature   string         `json:"feature" binding:"required"`
	SessionID string         `json:"session_id" binding:"required"`
	Outcome   string         `json:"outcome" binding:"required"`
	Metadata  map[string]any `json:"metadata"`
}

type refundRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	Feature   string `json:"feature" binding:"required"`
	SessionID string `json:"session_id" binding:"required"`
}

func (s *Server) Debit(c *gin.Context) {
	var req debitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tagRequest(c, req.UserID, req.Feature)

	result, err := s.metering.Debit(c.Request.Context(), meteringdomain.DebitRequest{
		UserID:    req.UserID,
		Feature:   req.Feature,
		SessionID: req.SessionID,
		Metadata:  req.Metadata,
	})
	if err != nil {
		status, ok := resultStatus(err)
		if !ok {
			AbortWithError(c, err)
			return
		}
		_ = c.Error(err)
		c.JSON(status, result)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) MarkOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tagRequest(c, req.UserID, req.Feature)

	err := s.metering.MarkOutcome(c.Request.Context(), meteringdomain.OutcomeRequest{
		UserID:    req.UserID,
		Feature:   req.Feature,
		SessionID: req.SessionID,
		Outcome:   req.Outcome,
		Metadata:  req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tagRequest(c, req.UserID, req.Feature)

	result, err := s.metering.Refund(c.Request.Context(), meteringdomain.RefundRequest{
		UserID:    req.UserID,
		Feature:   req.Feature,
		SessionID: req.SessionID,
	})
	if err != nil {
		status, ok := resultStatus(err)
		if !ok {
			AbortWithError(c, err)
			return
		}
		_ = c.Error(err)
		c.JSON(status, result)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) GetBalance(c *gin.Context) {
	tagRequest(c, c.Param("user_id"), "")
	balance, err := s.metering.GetBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, balance)
}

func (s *Server) ListUsage(c *gin.Context) {
	var query struct {
		pagination.Pagination
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.usage.List(c.Request.Context(), usagelogdomain.ListRequest{
		UserID:    c.Param("user_id"),
		PageToken: query.PageToken,
		PageSize:  query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ListCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"features":               s.catalog.List(),
		"unknown_feature_policy": s.catalog.Policy(),
	})
}

// tagRequest exposes the user and feature to the request log and span.
func tagRequest(c *gin.Context, userID, feature string) {
	if userID = strings.TrimSpace(userID); userID != "" {
		c.Set(obscontext.GinKeyUserID, userID)
	}
	if feature = strings.TrimSpace(feature); feature != "" {
		c.Set(obscontext.GinKeyFeature, feature)
	}
}

// resultStatus maps engine failures that still carry a typed result body.
func resultStatus(err error) (int, bool) {
	switch {
	case errors.Is(err, meteringdomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, true
	case errors.Is(err, meteringdomain.ErrUnknownFeature):
		return http.StatusUnprocessableEntity, true
	case errors.Is(err, meteringdomain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, true
	default:
		return 0, false
	}
}
