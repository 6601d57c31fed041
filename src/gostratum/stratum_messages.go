package gostratum

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type StratumMethod string

const (
	StratumMethodSubscribe           StratumMethod = "mining.subscribe"
	StratumMethodExtranonceSubscribe StratumMethod = "mining.extranonce.subscribe"
	StratumMethodAuthorize           StratumMethod = "mining.authorize"
	StratumMethodSubmit              StratumMethod = "mining.submit"
	StratumMethodConfigure           StratumMethod = "mining.configure"
	StratumMethodSuggestDifficulty   StratumMethod = "mining.suggest_difficulty"
	StratumMethodNotify              StratumMethod = "mining.notify"
	StratumMethodSetDifficulty       StratumMethod = "mining.set_difficulty"
	StratumMethodSetExtranonce       StratumMethod = "mining.set_extranonce"
	StratumMethodReconnect           StratumMethod = "client.reconnect"
	StratumMethodShowMessage         StratumMethod = "client.show_message"
)

// stratum v1 error codes
const (
	ErrCodeOther         = 20
	ErrCodeJobNotFound   = 21
	ErrCodeLowDifficulty = 23
	ErrCodeUnauthorized  = 24
	ErrCodeNotSubscribed = 25
)

// mining.notify param positions
const (
	NotifyParamJobId     = 0
	NotifyParamCleanJobs = 8
	notifyParamCount     = 9
)

var ErrMalformedMessage = errors.New("malformed stratum message")

// JsonRpcEvent is a request or a notification (id == nil).
type JsonRpcEvent struct {
	Id      any           `json:"id"`
	Version string        `json:"jsonrpc,omitempty"`
	Method  StratumMethod `json:"method"`
	Params  []any         `json:"params"`
}

type JsonRpcResponse struct {
	Id     any `json:"id"`
	Result any `json:"result"`
	Error  any `json:"error"`
}

// JsonRpcMessage is the decoding target for any line on the wire; Method is
// empty for responses.
type JsonRpcMessage struct {
	Id     any           `json:"id"`
	Method StratumMethod `json:"method,omitempty"`
	Params []any         `json:"params,omitempty"`
	Result any           `json:"result,omitempty"`
	Error  any           `json:"error,omitempty"`
}

func (m *JsonRpcMessage) IsRequest() bool {
	return m.Method != ""
}

func NewEvent(id any, method StratumMethod, params ...any) JsonRpcEvent {
	if params == nil {
		params = []any{}
	}
	return JsonRpcEvent{Id: id, Method: method, Params: params}
}

func NewResponse(id any, result any, err []any) JsonRpcResponse {
	resp := JsonRpcResponse{Id: id, Result: result}
	if err != nil {
		resp.Error = err
	}
	return resp
}

func ErrorTuple(code int, msg string) []any {
	return []any{code, msg, nil}
}

func UnmarshalMessage(line string) (*JsonRpcMessage, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, errors.Wrap(ErrMalformedMessage, "empty line")
	}
	msg := &JsonRpcMessage{}
	if err := unmarshalJSON([]byte(line), msg); err != nil {
		return nil, errors.Wrapf(ErrMalformedMessage, "%s", err)
	}
	if !msg.IsRequest() && msg.Id == nil {
		return nil, errors.Wrap(ErrMalformedMessage, "response without id")
	}
	return msg, nil
}

// EncodeLine serializes v and appends the line terminator.
func EncodeLine(v any) ([]byte, error) {
	data, err := marshalJSON(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// IdUint64 converts a decoded JSON-RPC id into an integer. Pools echo the id
// back as a number, some as a numeric string.
func IdUint64(id any) (uint64, bool) {
	switch v := id.(type) {
	case float64:
		if v < 0 || v != float64(uint64(v)) {
			return 0, false
		}
		return uint64(v), true
	case int:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case int64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case uint64:
		return v, true
	case string:
		n, err := strconv.ParseUint(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func ParamString(params []any, idx int) (string, error) {
	if idx >= len(params) {
		return "", errors.Wrapf(ErrMalformedMessage, "missing param %d", idx)
	}
	s, ok := params[idx].(string)
	if !ok {
		return "", errors.Wrapf(ErrMalformedMessage, "unexpected type for param %d: %T", idx, params[idx])
	}
	return s, nil
}

func ParamFloat(params []any, idx int) (float64, error) {
	if idx >= len(params) {
		return 0, errors.Wrapf(ErrMalformedMessage, "missing param %d", idx)
	}
	switch v := params[idx].(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, errors.Wrapf(ErrMalformedMessage, "param %d is not a number: %q", idx, v)
		}
		return f, nil
	}
	return 0, errors.Wrapf(ErrMalformedMessage, "unexpected type for param %d: %T", idx, params[idx])
}

// ResultTrue reports whether a response carries a plain boolean true result
// and no error.
func (m *JsonRpcMessage) ResultTrue() bool {
	if m.Error != nil {
		return false
	}
	b, ok := m.Result.(bool)
	return ok && b
}

// ErrorString renders whatever error shape the peer sent ([code,msg,data] or
// an object) for logs.
func ErrorString(e any) string {
	switch v := e.(type) {
	case nil:
		return ""
	case []any:
		if len(v) >= 2 {
			return fmt.Sprintf("%v: %v", v[0], v[1])
		}
	case map[string]any:
		return fmt.Sprintf("%v: %v", v["code"], v["message"])
	}
	return fmt.Sprintf("%v", e)
}

// NotifyJob extracts the job id and clean flag from mining.notify params.
func NotifyJob(params []any) (string, bool, error) {
	if len(params) < notifyParamCount {
		return "", false, errors.Wrapf(ErrMalformedMessage, "mining.notify expects %d params, got %d", notifyParamCount, len(params))
	}
	jobId, err := ParamString(params, NotifyParamJobId)
	if err != nil {
		return "", false, err
	}
	clean, ok := params[NotifyParamCleanJobs].(bool)
	if !ok {
		return "", false, errors.Wrapf(ErrMalformedMessage, "clean_jobs is %T", params[NotifyParamCleanJobs])
	}
	return jobId, clean, nil
}

// WithCleanJobs returns a copy of notify params with clean_jobs forced on.
func WithCleanJobs(params []any) []any {
	out := make([]any, len(params))
	copy(out, params)
	if len(out) > NotifyParamCleanJobs {
		out[NotifyParamCleanJobs] = true
	}
	return out
}
