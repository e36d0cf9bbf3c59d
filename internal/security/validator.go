// Package security runs admission checks on every import request before a job is
// persisted. Checks are purely lexical; nothing here touches the file system.
package security

import (
	"fmt"
	"mime"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"import-orchestrator/internal/config"
	"import-orchestrator/internal/logger"
	"import-orchestrator/internal/models"
	"import-orchestrator/internal/telemetry"
)

// Code identifies a violation class.
type Code string

const (
	CodeSizeLimit          Code = "SIZE_LIMIT_EXCEEDED"
	CodeExtension          Code = "EXTENSION_NOT_ALLOWED"
	CodeContentType        Code = "CONTENT_TYPE_MISMATCH"
	CodePathTraversal      Code = "PATH_TRAVERSAL"
	CodeTemplateNotAllowed Code = "TEMPLATE_NOT_ALLOWED"
	CodeBatchTooLarge      Code = "BATCH_TOO_LARGE"
)

// Severity returns the 0-10 risk score of a violation class.
func (c Code) Severity() float64 {
	switch c {
	case CodeSizeLimit:
		return 7.5
	case CodeExtension:
		return 8.8
	case CodeContentType:
		return 5.3
	case CodePathTraversal, CodeTemplateNotAllowed:
		return 9.1
	case CodeBatchTooLarge:
		return 6.5
	}
	return 0
}

// Violation is one failed check. Value holds the offending input for audit logs
// and is never serialized back to the caller.
type Violation struct {
	Code     Code    `json:"code"`
	Severity float64 `json:"severity"`
	Message  string  `json:"message"`
	Value    string  `json:"-"`
}

// Request is the metadata of an import submission.
type Request struct {
	Principal    string
	SourceKind   models.SourceKind
	SizeBytes    int64
	Filename     string
	ContentType  string
	TemplatePath string
	Location     string
	ItemCount    int
}

type Result struct {
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations,omitempty"`
}

// Worst returns the highest-severity violation.
func (r Result) Worst() (Violation, bool) {
	if len(r.Violations) == 0 {
		return Violation{}, false
	}
	worst := r.Violations[0]
	for _, v := range r.Violations[1:] {
		if v.Severity > worst.Severity {
			worst = v
		}
	}
	return worst, true
}

// AdmissionError rejects a request. Only the worst violation is exposed.
type AdmissionError struct {
	Code     Code
	Severity float64
	Message  string
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission rejected: %s (severity %.1f): %s", e.Code, e.Severity, e.Message)
}

// Policy holds the admission limits.
type Policy struct {
	MaxStructuredBytes int64
	MaxDelimitedBytes  int64
	MaxBatchItems      int
	AllowedExtensions  []string
	TemplateBase       string
	AllowedTemplates   []string
	DropBase           string
}

func PolicyFromConfig(cfg config.Config) Policy {
	return Policy{
		MaxStructuredBytes: cfg.MaxStructuredBytes,
		MaxDelimitedBytes:  cfg.MaxDelimitedBytes,
		MaxBatchItems:      cfg.MaxBatchItems,
		AllowedExtensions:  cfg.AllowedExtensions,
		TemplateBase:       cfg.TemplateDir,
		AllowedTemplates:   cfg.AllowedTemplates,
		DropBase:           cfg.DropDir,
	}
}

type Validator struct {
	policy Policy
	logger *zap.Logger
	now    func() time.Time
}

func NewValidator(p Policy, l *zap.Logger) *Validator {
	return &Validator{policy: p, logger: logger.OrNop(l), now: time.Now}
}

// Validate runs every check and reports all violations.
func (v *Validator) Validate(req Request) Result {
	var out []Violation
	out = append(out, v.checkSize(req)...)
	out = append(out, v.checkExtension(req)...)
	if viol, ok := v.checkLocation(req.Location); !ok {
		out = append(out, viol)
	}
	if req.TemplatePath != "" {
		if _, viol, ok := v.checkTemplate(req.TemplatePath); !ok {
			out = append(out, viol)
		}
	}
	out = append(out, v.checkBatch(req)...)

	for _, viol := range out {
		telemetry.AdmissionRejects.WithLabelValues(string(viol.Code)).Inc()
		v.logger.Warn("admission violation",
			zap.String("principal", req.Principal),
			zap.Time("at", v.now()),
			zap.String("code", string(viol.Code)),
			zap.Float64("severity", viol.Severity),
			zap.String("value", viol.Value),
		)
	}
	return Result{Passed: len(out) == 0, Violations: out}
}

// Admit validates req and converts a failed result into an *AdmissionError.
func (v *Validator) Admit(req Request) error {
	res := v.Validate(req)
	worst, failed := res.Worst()
	if !failed {
		return nil
	}
	return &AdmissionError{Code: worst.Code, Severity: worst.Severity, Message: worst.Message}
}

// AdmitLocation checks only the source location, so a file:// path can be
// rejected before anything stats it.
func (v *Validator) AdmitLocation(principal, loc string) error {
	viol, ok := v.checkLocation(loc)
	if ok {
		return nil
	}
	telemetry.AdmissionRejects.WithLabelValues(string(viol.Code)).Inc()
	v.logger.Warn("location rejected",
		zap.String("principal", principal),
		zap.String("code", string(viol.Code)),
		zap.String("value", viol.Value))
	return &AdmissionError{Code: viol.Code, Severity: viol.Severity, Message: viol.Message}
}

// ResolveTemplate returns the absolute path of an allow-listed template, or an
// *AdmissionError when the name escapes the base or is not listed.
func (v *Validator) ResolveTemplate(name string) (string, error) {
	rel, viol, ok := v.checkTemplate(name)
	if !ok {
		telemetry.AdmissionRejects.WithLabelValues(string(viol.Code)).Inc()
		v.logger.Warn("template rejected", zap.String("code", string(viol.Code)), zap.String("value", viol.Value))
		return "", &AdmissionError{Code: viol.Code, Severity: viol.Severity, Message: viol.Message}
	}
	return filepath.Join(v.policy.TemplateBase, filepath.FromSlash(rel)), nil
}

func violation(code Code, msg, value string) Violation {
	return Violation{Code: code, Severity: code.Severity(), Message: msg, Value: value}
}

func (v *Validator) checkSize(req Request) []Violation {
	limit := v.policy.MaxStructuredBytes
	if req.SourceKind == models.SourceDelimited {
		limit = v.policy.MaxDelimitedBytes
	}
	if limit > 0 && req.SizeBytes > limit {
		return []Violation{violation(CodeSizeLimit,
			fmt.Sprintf("payload of %d bytes exceeds the %d byte limit for %s sources", req.SizeBytes, limit, req.SourceKind),
			fmt.Sprint(req.SizeBytes))}
	}
	return nil
}

var contentTypesByExt = map[string][]string{
	".csv":  {"text/csv", "application/csv", "text/plain", "application/vnd.ms-excel"},
	".tsv":  {"text/tab-separated-values", "text/plain"},
	".txt":  {"text/plain", "text/csv"},
	".json": {"application/json", "text/json"},
}

func (v *Validator) checkExtension(req Request) []Violation {
	if req.Filename == "" {
		if req.SourceKind == models.SourceRecords {
			return nil
		}
		return []Violation{violation(CodeExtension, "delimited uploads must carry a file name", "")}
	}
	ext := strings.ToLower(filepath.Ext(req.Filename))
	if !slices.Contains(v.policy.AllowedExtensions, ext) {
		return []Violation{violation(CodeExtension, fmt.Sprintf("extension %q is not allowed", ext), req.Filename)}
	}

	var out []Violation
	if (req.SourceKind == models.SourceRecords) != (ext == ".json") {
		out = append(out, violation(CodeContentType,
			fmt.Sprintf("extension %q does not match source kind %s", ext, req.SourceKind), req.Filename))
	}
	if req.ContentType != "" {
		mt, _, err := mime.ParseMediaType(req.ContentType)
		if err != nil || (mt != "application/octet-stream" && !slices.Contains(contentTypesByExt[ext], mt)) {
			out = append(out, violation(CodeContentType,
				fmt.Sprintf("content type does not match extension %q", ext), req.ContentType))
		}
	}
	return out
}

// contained normalizes name lexically and reports whether it names something
// strictly inside base. It returns the cleaned slash-separated relative name.
func contained(base, name string) (string, bool) {
	if strings.ContainsRune(name, 0) || strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) ||
		filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", false
	}
	rel := path.Clean(strings.ReplaceAll(name, `\`, "/"))
	if rel == ".." || strings.HasPrefix(rel, "../") || rel == "." {
		return "", false
	}

	base = filepath.Clean(base)
	full := filepath.Join(base, filepath.FromSlash(rel))
	if r, err := filepath.Rel(base, full); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// checkLocation keeps file:// sources inside the drop directory. Other schemes
// are not paths on this host and pass.
func (v *Validator) checkLocation(loc string) (Violation, bool) {
	name, ok := strings.CutPrefix(loc, "file://")
	if !ok {
		return Violation{}, true
	}
	if _, inside := contained(v.policy.DropBase, name); !inside {
		return violation(CodePathTraversal, "source location escapes the drop directory", loc), false
	}
	return Violation{}, true
}

// checkTemplate requires name to stay inside the template base and to be
// allow-listed. It returns the cleaned relative name.
func (v *Validator) checkTemplate(name string) (string, Violation, bool) {
	rel, ok := contained(v.policy.TemplateBase, name)
	if !ok {
		return "", violation(CodePathTraversal, "template path escapes the template directory", name), false
	}

	if !slices.Contains(v.policy.AllowedTemplates, rel) {
		return "", violation(CodeTemplateNotAllowed, "template is not in the allow-list", name), false
	}
	return rel, Violation{}, true
}

func (v *Validator) checkBatch(req Request) []Violation {
	if v.policy.MaxBatchItems > 0 && req.ItemCount > v.policy.MaxBatchItems {
		return []Violation{violation(CodeBatchTooLarge,
			fmt.Sprintf("batch of %d items exceeds the limit of %d", req.ItemCount, v.policy.MaxBatchItems),
			fmt.Sprint(req.ItemCount))}
	}
	return nil
}
