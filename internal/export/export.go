package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"gopkg.in/yaml.v3"

	"dq-rule-engine/internal/config"
	"dq-rule-engine/internal/manifest"
	"dq-rule-engine/internal/models"
	"dq-rule-engine/internal/store"
)

// Kind selects what is exported.
type Kind string

const (
	KindRules      Kind = "rules"
	KindRuns       Kind = "runs"
	KindViolations Kind = "violations"
)

func ParseKind(v string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(v))); k {
	case KindRules, KindRuns, KindViolations:
		return k, nil
	default:
		return "", fmt.Errorf("unknown export kind %q, want rules, runs or violations", v)
	}
}

// Options describes one export. Output is "-" for stdout, s3://bucket/key
// for an S3 object, anything else is a local path. Format defaults from the
// output's extension and falls back to json.
type Options struct {
	Kind     Kind
	Output   string
	Days     int
	RuleName string
	Format   string
}

// Summary reports where the export went.
type Summary struct {
	Kind     Kind   `json:"kind"`
	Count    int    `json:"count"`
	Location string `json:"location"`
	Format   string `json:"format"`
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Exporter reads from the rule store and writes documents to a destination.
type Exporter struct {
	repo   store.Repository
	stdout io.Writer
	s3     func(ctx context.Context, bucket string) (uploader, error)
	now    func() time.Time
}

// New builds an Exporter. S3 clients are created lazily from cfg.
func New(repo store.Repository, cfg config.Config, stdout io.Writer) *Exporter {
	if stdout == nil {
		stdout = os.Stdout
	}
	return &Exporter{
		repo:   repo,
		stdout: stdout,
		s3: func(ctx context.Context, bucket string) (uploader, error) {
			client, err := newS3Client(ctx, cfg)
			if err != nil {
				return nil, err
			}
			return &s3Uploader{client: client, bucket: bucket}, nil
		},
		now: time.Now,
	}
}

func (e *Exporter) Export(ctx context.Context, opts Options) (Summary, error) {
	format, err := resolveFormat(opts.Format, opts.Output)
	if err != nil {
		return Summary{}, err
	}
	var since time.Time
	if opts.Days > 0 {
		since = e.now().UTC().Add(-time.Duration(opts.Days) * 24 * time.Hour)
	}

	var (
		buf   bytes.Buffer
		count int
	)
	switch opts.Kind {
	case KindRules:
		rules, err := e.repo.ListRules(ctx, store.RuleFilter{Name: opts.RuleName})
		if err != nil {
			return Summary{}, fmt.Errorf("list rules: %w", err)
		}
		if opts.RuleName != "" && len(rules) == 0 {
			return Summary{}, models.Errorf(models.CodeRuleNotFound, "rule %q not found", opts.RuleName)
		}
		count = len(rules)
		err = manifest.Export(&buf, rules, format)
		if err != nil {
			return Summary{}, err
		}
	case KindRuns:
		ruleID, err := e.ruleID(ctx, opts.RuleName)
		if err != nil {
			return Summary{}, err
		}
		runs, err := e.repo.ListRuns(ctx, store.RunFilter{RuleID: ruleID, Since: since})
		if err != nil {
			return Summary{}, fmt.Errorf("list runs: %w", err)
		}
		count = len(runs)
		if err := encode(&buf, format, map[string]any{"runs": runs}); err != nil {
			return Summary{}, err
		}
	case KindViolations:
		ruleID, err := e.ruleID(ctx, opts.RuleName)
		if err != nil {
			return Summary{}, err
		}
		vs, err := e.repo.ListViolations(ctx, store.ViolationFilter{RuleID: ruleID, Since: since})
		if err != nil {
			return Summary{}, fmt.Errorf("list violations: %w", err)
		}
		count = len(vs)
		if err := encode(&buf, format, map[string]any{"violations": vs}); err != nil {
			return Summary{}, err
		}
	default:
		return Summary{}, fmt.Errorf("unknown export kind %q", opts.Kind)
	}

	loc, err := e.write(ctx, opts.Output, buf.Bytes(), contentType(format))
	if err != nil {
		return Summary{}, err
	}
	return Summary{Kind: opts.Kind, Count: count, Location: loc, Format: format}, nil
}

func (e *Exporter) ruleID(ctx context.Context, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	r, err := e.repo.GetRuleByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return "", models.Errorf(models.CodeRuleNotFound, "rule %q not found", name)
	}
	if err != nil {
		return "", fmt.Errorf("look up rule %s: %w", name, err)
	}
	return r.ID, nil
}

func (e *Exporter) write(ctx context.Context, output string, body []byte, ct string) (string, error) {
	switch {
	case output == "" || output == "-":
		if _, err := e.stdout.Write(body); err != nil {
			return "", fmt.Errorf("write stdout: %w", err)
		}
		return "stdout", nil
	case strings.HasPrefix(output, "s3://"):
		bucket, key, ok := strings.Cut(strings.TrimPrefix(output, "s3://"), "/")
		if !ok || bucket == "" || key == "" {
			return "", fmt.Errorf("s3 output must be s3://bucket/key, got %q", output)
		}
		up, err := e.s3(ctx, bucket)
		if err != nil {
			return "", err
		}
		return up.Upload(ctx, key, body, ct)
	default:
		return (&localUploader{}).Upload(ctx, output, body, ct)
	}
}

func resolveFormat(format, output string) (string, error) {
	f := strings.ToLower(strings.TrimSpace(format))
	if f == "" {
		switch strings.ToLower(filepath.Ext(output)) {
		case ".yaml", ".yml":
			f = "yaml"
		default:
			f = "json"
		}
	}
	if f == "yml" {
		f = "yaml"
	}
	if f != "json" && f != "yaml" {
		return "", fmt.Errorf("unsupported format %q, want json or yaml", format)
	}
	return f, nil
}

func encode(w io.Writer, format string, doc any) error {
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

func contentType(format string) string {
	if format == "yaml" {
		return "application/yaml"
	}
	return "application/json"
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ExportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ExportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ExportS3Endpoint)
		}
		o.UsePathStyle = cfg.ExportS3PathStyle
	}), nil
}

type localUploader struct{}

func (localUploader) Upload(_ context.Context, path string, body []byte, _ string) (string, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create dirs: %w", err)
		}
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
