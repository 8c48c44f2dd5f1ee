package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	enforcementdomain "github.com/smallbiznis/telecare/internal/enforcement/domain"
	obsmetrics "github.com/smallbiznis/telecare/internal/observability/metrics"
	"github.com/smallbiznis/telecare/pkg/db/pagination"
)

type consumeRequest struct {
	Amount         int64          `json:"amount"`
	IdempotencyKey *string        `json:"idempotency_key"`
	Metadata       map[string]any `json:"metadata"`
}

type resetRequest struct {
	ActorID string `json:"actor_id"`
}

func (s *Server) ConsumePrivilege(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	privilege := strings.TrimSpace(c.Param("privilege"))
	c.Set("privilege", privilege)

	result, err := s.enforcementSvc.TryConsume(c.Request.Context(), enforcementdomain.ConsumeRequest{
		SubscriptionID: c.Param("subscription_id"),
		Privilege:      privilege,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if result.Accepted {
		c.Set("outcome", obsmetrics.OutcomeAccepted)
	} else {
		c.Set("outcome", string(result.Reason()))
	}
	c.JSON(consumeStatus(result), result)
}

func (s *Server) GetRemaining(c *gin.Context) {
	at, err := parseOptionalTime(c.Query("at"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	privilege := strings.TrimSpace(c.Param("privilege"))
	c.Set("privilege", privilege)

	req := enforcementdomain.RemainingRequest{
		SubscriptionID: c.Param("subscription_id"),
		Privilege:      privilege,
	}
	if at != nil {
		req.At = *at
	}

	info, err := s.enforcementSvc.GetRemaining(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) ResetUsage(c *gin.Context) {
	var req resetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	privilege := strings.TrimSpace(c.Param("privilege"))
	c.Set("privilege", privilege)

	err := s.enforcementSvc.ResetUsage(c.Request.Context(), enforcementdomain.ResetRequest{
		SubscriptionID: c.Param("subscription_id"),
		Privilege:      privilege,
		ActorID:        req.ActorID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) ListHistory(c *gin.Context) {
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	privilege := strings.TrimSpace(c.Param("privilege"))
	c.Set("privilege", privilege)

	resp, err := s.enforcementSvc.ListHistory(c.Request.Context(), enforcementdomain.HistoryRequest{
		SubscriptionID: c.Param("subscription_id"),
		Privilege:      privilege,
		PageToken:      query.PageToken,
		PageSize:       query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func consumeStatus(result enforcementdomain.ConsumeResult) int {
	if result.Accepted {
		return http.StatusOK
	}
	switch result.Reason() {
	case enforcementdomain.ReasonPrivilegeDisabled:
		return http.StatusForbidden
	case enforcementdomain.ReasonConfigNotFound:
		return http.StatusNotFound
	case enforcementdomain.ReasonConfigExpired:
		return http.StatusGone
	case enforcementdomain.ReasonTransientFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusTooManyRequests
	}
}
