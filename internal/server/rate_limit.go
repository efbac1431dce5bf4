package server

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditmeter/internal/observability/logger"
	"go.uber.org/zap"
)

const rateLimitReasonUserRate = "user-rate"

// maxDebitBodyBytes caps how much of a debit body the limiter buffers.
const maxDebitBodyBytes = 64 << 10

type debitRateLimitKey struct {
	UserID string `json:"user_id"`
}

// DebitRateLimit throttles debit requests per user before they reach the engine.
func (s *Server) DebitRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		userID, err := readDebitUserID(c)
		if err != nil {
			logger.FromContext(ctx).Warn("debit rate limit read body failed", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if userID == "" {
			// the handler rejects the request
			c.Next()
			return
		}

		res, err := s.limiter.AllowUser(ctx, userID)
		if err != nil {
			logger.FromContext(ctx).Warn("debit rate limit check failed", zap.Error(err))
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
		if res.Allowed {
			c.Next()
			return
		}

		logger.FromContext(ctx).Debug("debit rate limit exceeded",
			zap.String("reason", rateLimitReasonUserRate),
			zap.String("user_id", userID),
		)
		c.Header("Retry-After", strconv.Itoa(retryAfterSeconds(res.RetryAfter.Seconds())))
		c.Header("X-Rate-Limited-Reason", rateLimitReasonUserRate)
		AbortWithError(c, ErrRateLimited)
	}
}

func retryAfterSeconds(seconds float64) int {
	if seconds <= 1 {
		return 1
	}
	return int(math.Ceil(seconds))
}

func readDebitUserID(c *gin.Context) (string, error) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxDebitBodyBytes))
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(bytes.NewBuffer(body))
	if len(body) == 0 {
		return "", nil
	}

	var payload debitRateLimitKey
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", nil
	}

	return strings.TrimSpace(payload.UserID), nil
}
