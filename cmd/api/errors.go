package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"escrowflow/account"
	"escrowflow/agreement"
	"escrowflow/auth"
)

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type errorEnvelope struct {
	Error apiError `json:"error"`
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, errorEnvelope{Error: apiError{Message: msg, Code: code}})
}

var errorStatuses = []struct {
	err    error
	status int
	code   string
}{
	{agreement.ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{agreement.ErrInvalidStatus, http.StatusConflict, "invalid_status"},
	{agreement.ErrAlreadyExists, http.StatusConflict, "already_exists"},
	{agreement.ErrNotFound, http.StatusNotFound, "not_found"},
	{agreement.ErrInsufficientPayment, http.StatusBadRequest, "insufficient_payment"},
	{agreement.ErrInvalidMilestoneIndex, http.StatusBadRequest, "invalid_milestone_index"},
	{agreement.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{agreement.ErrTransferFailed, http.StatusPaymentRequired, "transfer_failed"},
	{account.ErrInvalidTransfer, http.StatusBadRequest, "invalid_argument"},
	{auth.ErrInvalidCredentials, http.StatusUnauthorized, "invalid_credentials"},
	{auth.ErrWeakPassword, http.StatusBadRequest, "weak_password"},
	{auth.ErrDuplicatePrincipal, http.StatusConflict, "already_exists"},
	{auth.ErrReservedPrincipal, http.StatusConflict, "reserved_principal"},
	{auth.ErrPrincipalRequired, http.StatusBadRequest, "invalid_argument"},
}

// respondServiceError maps a service error onto the HTTP status table. Errors
// of no known kind are logged and reported as internal.
func (s *Server) respondServiceError(c *gin.Context, err error) {
	for _, m := range errorStatuses {
		if errors.Is(err, m.err) {
			respondError(c, m.status, m.code, err.Error())
			return
		}
	}
	s.log.Error("request failed", "path", c.FullPath(), "error", err)
	respondError(c, http.StatusInternalServerError, "internal", "internal error")
}
