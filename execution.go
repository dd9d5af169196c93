package agentbox

import (
	"sort"
	"time"

	"github.com/ucloud/agentbox-go/internal/protocol"
)

// MIMEType identifies one rendered representation of a displayed value.
// The set is closed: representations the SDK does not recognize are tagged
// MIMEOther with the original type preserved in Representation.Raw.
type MIMEType string

const (
	MIMETextPlain       MIMEType = "text/plain"
	MIMETextHTML        MIMEType = "text/html"
	MIMETextMarkdown    MIMEType = "text/markdown"
	MIMETextLaTeX       MIMEType = "text/latex"
	MIMEImagePNG        MIMEType = "image/png"
	MIMEImageJPEG       MIMEType = "image/jpeg"
	MIMEImageSVG        MIMEType = "image/svg+xml"
	MIMEApplicationJSON MIMEType = "application/json"
	MIMEApplicationPDF  MIMEType = "application/pdf"
	MIMEApplicationJS   MIMEType = "application/javascript"
	MIMEOther           MIMEType = "other"
)

var wellKnownMIME = map[string]MIMEType{
	string(MIMETextPlain):       MIMETextPlain,
	string(MIMETextHTML):        MIMETextHTML,
	string(MIMETextMarkdown):    MIMETextMarkdown,
	string(MIMETextLaTeX):       MIMETextLaTeX,
	string(MIMEImagePNG):        MIMEImagePNG,
	string(MIMEImageJPEG):       MIMEImageJPEG,
	string(MIMEImageSVG):        MIMEImageSVG,
	string(MIMEApplicationJSON): MIMEApplicationJSON,
	string(MIMEApplicationPDF):  MIMEApplicationPDF,
	string(MIMEApplicationJS):   MIMEApplicationJS,
}

// Representation is one MIME-tagged rendering of a result value.
type Representation struct {
	MIME MIMEType
	// Raw is the MIME type exactly as the interpreter sent it. Differs from
	// MIME only when the type is not in the well-known set.
	Raw  string
	Data []byte
}

// Result is one value the interpreter displayed during a run. A single
// submission can display several values; each arrives with one or more
// renderings.
type Result struct {
	Representations []Representation
	// IsMainResult marks the value of the final expression, as opposed to
	// intermediate display output.
	IsMainResult bool
}

func newResult(p *protocol.ResultPayload) *Result {
	r := &Result{IsMainResult: p.IsMainResult}
	types := make([]string, 0, len(p.Bundle))
	for raw := range p.Bundle {
		types = append(types, raw)
	}
	// Deterministic ordering for a map-shaped wire bundle.
	sort.Strings(types)
	for _, raw := range types {
		mime, ok := wellKnownMIME[raw]
		if !ok {
			mime = MIMEOther
		}
		r.Representations = append(r.Representations, Representation{
			MIME: mime,
			Raw:  raw,
			Data: p.Bundle[raw],
		})
	}
	return r
}

// Format returns the rendering for the given MIME type.
func (r *Result) Format(mime MIMEType) ([]byte, bool) {
	for _, rep := range r.Representations {
		if rep.MIME == mime {
			return rep.Data, true
		}
	}
	return nil, false
}

// Formats lists the MIME types present on this result.
func (r *Result) Formats() []MIMEType {
	out := make([]MIMEType, len(r.Representations))
	for i, rep := range r.Representations {
		out[i] = rep.MIME
	}
	return out
}

// Text returns the text/plain rendering, or "".
func (r *Result) Text() string {
	data, _ := r.Format(MIMETextPlain)
	return string(data)
}

// HTML returns the text/html rendering, or "".
func (r *Result) HTML() string {
	data, _ := r.Format(MIMETextHTML)
	return string(data)
}

// PNG returns the image/png rendering, or nil.
func (r *Result) PNG() []byte {
	data, _ := r.Format(MIMEImagePNG)
	return data
}

// JSON returns the application/json rendering, or nil.
func (r *Result) JSON() []byte {
	data, _ := r.Format(MIMEApplicationJSON)
	return data
}

// OutputMessage is one log line emitted during an interpreter run.
type OutputMessage struct {
	Line      string
	Timestamp time.Time
	// Stderr marks lines from the error stream.
	Stderr bool
}

// Logs holds the ordered output of one run, tagged by stream. Order is
// preserved within each stream; interleaving between the two is whatever the
// remote delivered.
type Logs struct {
	Stdout []string
	Stderr []string
}

// Execution is the finalized, immutable outcome of one code submission.
type Execution struct {
	// Results holds the displayed values in display order.
	Results []*Result
	// Logs holds the tagged output lines.
	Logs Logs
	// Error is set when the run raised; the fields before it hold whatever
	// was produced up to that point.
	Error *ExecutionError
	// Context the code ran in.
	Context *Context
}

// Text returns the text rendering of the main result, or "".
func (e *Execution) Text() string {
	for _, r := range e.Results {
		if r.IsMainResult {
			return r.Text()
		}
	}
	if len(e.Results) > 0 {
		return e.Results[len(e.Results)-1].Text()
	}
	return ""
}

// CommandResult is the finalized outcome of one shell command.
type CommandResult struct {
	Stdout string
	Stderr string
	// ExitCode is -1 when the command did not complete (timeout, lost
	// connection); never a fabricated zero.
	ExitCode int
	// Partial marks a result cut short by a timeout or transport failure:
	// the output fields hold whatever was buffered before the cut.
	Partial bool
	// PID of the remote process, when the daemon reported one.
	PID      int
	Duration time.Duration
}
