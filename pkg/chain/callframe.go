package chain

import (
	"strings"
)

// FrameLog is a log emitted inside a call frame, as reported by the
// callTracer with withLog enabled.
type FrameLog struct {
	Address string   `json:"address"`
	Topics  []string `json:"topics"`
	Data    string   `json:"data"`
}

// CallFrame is one node of a callTracer execution trace.
type CallFrame struct {
	Type    string      `json:"type"` // CALL, DELEGATECALL, STATICCALL, CREATE, CREATE2
	From    string      `json:"from"`
	To      string      `json:"to"`
	Value   string      `json:"value"`
	Gas     string      `json:"gas"`
	GasUsed string      `json:"gasUsed"`
	Input   string      `json:"input"`
	Output  string      `json:"output"`
	Error   string      `json:"error"`
	Logs    []FrameLog  `json:"logs"`
	Calls   []CallFrame `json:"calls"`
}

// Failed reports whether the top-level frame reverted.
func (f *CallFrame) Failed() bool {
	return f != nil && f.Error != ""
}

// CollectLogs walks the frame tree depth-first and returns every log
// emitted anywhere in the execution, including sub-calls.
func (f *CallFrame) CollectLogs() []FrameLog {
	if f == nil {
		return nil
	}
	var out []FrameLog
	out = append(out, f.Logs...)
	for i := range f.Calls {
		out = append(out, f.Calls[i].CollectLogs()...)
	}
	return out
}

// FramesTo returns every frame in the tree whose target matches addr
// (case-insensitive hex comparison).
func (f *CallFrame) FramesTo(addr string) []*CallFrame {
	if f == nil {
		return nil
	}
	target := strings.ToLower(addr)
	var out []*CallFrame
	f.framesToRecursive(target, &out)
	return out
}

func (f *CallFrame) framesToRecursive(target string, out *[]*CallFrame) {
	if strings.ToLower(f.To) == target {
		*out = append(*out, f)
	}
	for i := range f.Calls {
		f.Calls[i].framesToRecursive(target, out)
	}
}
