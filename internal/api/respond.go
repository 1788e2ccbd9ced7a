package api

import (
	"encoding/json"
	"net/http"

	xerrors "AgentEscrow/internal/errors"
	"AgentEscrow/internal/escrow"
	"AgentEscrow/pkg/logger"
)

// ErrorBody 是所有失败响应的统一结构。
type ErrorBody struct {
	Code     string            `json:"code"`
	Kind     string            `json:"kind"`
	Message  string            `json:"message"`
	State    string            `json:"state,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// StatusFor 把错误分类映射为 HTTP 状态码。
func StatusFor(kind xerrors.Kind) int {
	switch kind {
	case xerrors.KindValidation:
		return http.StatusBadRequest
	case xerrors.KindStateConflict:
		return http.StatusConflict
	case xerrors.KindAuthorization:
		return http.StatusForbidden
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindResource, xerrors.KindTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L().Warn("写入响应失败", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := ErrorBody{
		Code:    string(xerrors.CodeUnknown),
		Kind:    string(xerrors.KindInternal),
		Message: err.Error(),
	}
	if xe, ok := xerrors.From(err); ok {
		body.Code = string(xe.Code())
		body.Kind = string(xe.Kind())
		body.Message = xe.Message()
		body.State = xe.State()
		body.Metadata = xe.Metadata()
	}
	status := StatusFor(xerrors.Kind(body.Kind))
	if status >= http.StatusInternalServerError {
		logger.L().Error("请求处理失败", "code", body.Code, "error", err)
	}
	writeJSON(w, status, body)
}

func respondEscrow(w http.ResponseWriter, esc *escrow.Escrow, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

// respondSettlement 在出账尚未被账本确认时返回 202，客户端据 pending_settlement 轮询。
func respondSettlement(w http.ResponseWriter, esc *escrow.Escrow, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if esc.Pending != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, esc)
}
