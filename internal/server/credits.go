package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
)

type createGrantRequest struct {
	UserID      string         `json:"user_id"`
	Amount      int64          `json:"amount"`
	Source      string         `json:"source"`
	ValidFrom   *time.Time     `json:"valid_from,omitempty"`
	ValidUntil  *time.Time     `json:"valid_until,omitempty"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type createReservationRequest struct {
	UserID      string         `json:"user_id"`
	Amount      int64          `json:"amount"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type confirmReservationRequest struct {
	Amount *int64 `json:"amount,omitempty"`
}

type createDeductionRequest struct {
	UserID      string         `json:"user_id"`
	Amount      int64          `json:"amount"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type refundRequest struct {
	Amount      *int64 `json:"amount,omitempty"`
	Description string `json:"description"`
}

func (s *Server) CreateGrant(c *gin.Context) {
	var req createGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.creditSvc.Grant(c.Request.Context(), creditdomain.GrantRequest{
		UserID:      strings.TrimSpace(req.UserID),
		Amount:      req.Amount,
		Source:      creditdomain.GrantSource(strings.TrimSpace(req.Source)),
		ValidFrom:   req.ValidFrom,
		ValidUntil:  req.ValidUntil,
		Description: strings.TrimSpace(req.Description),
		Metadata:    req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListGrants(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "invalid_user", "user_id is required"))
		return
	}

	resp, err := s.creditSvc.ListGrants(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateReservation(c *gin.Context) {
	var req createReservationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if !s.allowDraw(c, userID) {
		AbortWithError(c, ErrRateLimited)
		return
	}

	resp, err := s.creditSvc.Reserve(c.Request.Context(), creditdomain.ReserveRequest{
		UserID:      userID,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
		Metadata:    req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ConfirmReservation(c *gin.Context) {
	// The body is optional; an empty confirm settles the full reservation.
	var req confirmReservationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.creditSvc.Confirm(c.Request.Context(), creditdomain.ConfirmRequest{
		TransactionID: strings.TrimSpace(c.Param("id")),
		Amount:        req.Amount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ReleaseReservation(c *gin.Context) {
	resp, err := s.creditSvc.Release(c.Request.Context(), creditdomain.ReleaseRequest{
		TransactionID: strings.TrimSpace(c.Param("id")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CreateDeduction(c *gin.Context) {
	var req createDeductionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if !s.allowDraw(c, userID) {
		AbortWithError(c, ErrRateLimited)
		return
	}

	resp, err := s.creditSvc.DeductDirect(c.Request.Context(), creditdomain.DeductRequest{
		UserID:      userID,
		Amount:      req.Amount,
		Description: strings.TrimSpace(req.Description),
		Metadata:    req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) RefundTransaction(c *gin.Context) {
	// The body is optional; an empty refund reverses the full deduction.
	var req refundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.creditSvc.Refund(c.Request.Context(), creditdomain.RefundRequest{
		TransactionID: strings.TrimSpace(c.Param("id")),
		Amount:        req.Amount,
		Description:   strings.TrimSpace(req.Description),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListTransactions(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "invalid_user", "user_id is required"))
		return
	}

	resp, err := s.creditSvc.ListTransactions(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetBalance(c *gin.Context) {
	userID := strings.TrimSpace(c.Query("user_id"))
	if userID == "" {
		AbortWithError(c, newValidationError("user_id", "invalid_user", "user_id is required"))
		return
	}

	asOf := time.Time{}
	if raw := strings.TrimSpace(c.Query("as_of")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			AbortWithError(c, newValidationError("as_of", "invalid_as_of", "as_of must be RFC 3339"))
			return
		}
		asOf = parsed.UTC()
	}

	available, err := s.creditSvc.AvailableBalance(c.Request.Context(), userID, asOf)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	pending, err := s.creditSvc.PendingBalance(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"user_id":   userID,
		"available": available,
		"pending":   pending,
	}})
}
