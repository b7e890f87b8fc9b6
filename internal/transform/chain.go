// Package transform applies the ordered module rules of a build to a single file.
//
// Rules are evaluated in declaration order. Every matching "pre" rule runs first,
// then at most one "normal" rule, then every matching "post" rule. A file with no
// matching normal rule passes through unchanged.
package transform

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/minio/crc64nvme"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/assetpipe/internal/builderr"
	"github.com/wolfeidau/assetpipe/internal/config"
)

// Phase orders stages applied to the same file.
type Phase int

const (
	PhasePre Phase = iota
	PhaseNormal
	PhasePost
)

func (p Phase) String() string {
	switch p {
	case PhasePre:
		return "pre"
	case PhasePost:
		return "post"
	default:
		return "normal"
	}
}

// ParsePhase maps a rule's enforce value to a Phase
func ParsePhase(s string) (Phase, error) {
	switch s {
	case "pre":
		return PhasePre, nil
	case "", "normal":
		return PhaseNormal, nil
	case "post":
		return PhasePost, nil
	default:
		return 0, fmt.Errorf("unknown phase %q", s)
	}
}

// Kind describes how a transformed file is linked into a bundle.
type Kind int

const (
	// KindModule is CommonJS code wrapped in a module function.
	KindModule Kind = iota
	// KindScript is evaluated as-is in global scope and never scanned for imports.
	KindScript
)

func (k Kind) String() string {
	if k == KindScript {
		return "script"
	}
	return "module"
}

// Asset is the unit passed between stages.
type Asset struct {
	Path      string
	Code      []byte
	SourceMap []byte
	Kind      Kind
	Warnings  []string
	// Inputs lists other files the stages read, such as sidecar maps
	Inputs []Input
}

// Input is a file read while transforming an asset, with the CRC64-NVME
// checksum of what was read. Sum is zero when the file could not be read.
type Input struct {
	Path string
	Sum  uint64
}

// AddInput records a file read by a stage; data is nil when reading failed.
func (a *Asset) AddInput(path string, data []byte) {
	var sum uint64
	if data != nil {
		sum = Checksum(data)
	}
	a.Inputs = append(slices.Clip(a.Inputs), Input{Path: path, Sum: sum})
}

// Checksum returns the CRC64-NVME checksum of data
func Checksum(data []byte) uint64 {
	h := crc64nvme.New()
	h.Write(data)
	return h.Sum64()
}

// StageFunc transforms an asset. It must not retain or mutate the input slices.
type StageFunc func(ctx context.Context, a Asset) (Asset, error)

// Stage is a named, pluggable transformation.
type Stage struct {
	Name string
	Run  StageFunc
	// Bypass stages win the normal phase over any other matching rule
	Bypass bool
}

// Registry holds the stages rules may refer to by name.
type Registry map[string]Stage

// Register adds or replaces a stage.
func (r Registry) Register(s Stage) {
	r[s.Name] = s
}

// Names lists registered stage names
func (r Registry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	return names
}

type rule struct {
	test    *regexp.Regexp
	exclude *regexp.Regexp
	phase   Phase
	stage   Stage
}

func (r rule) matches(path string) bool {
	if !r.test.MatchString(path) {
		return false
	}
	return r.exclude == nil || !r.exclude.MatchString(path)
}

// Chain is a compiled rule list.
type Chain struct {
	rules       []rule
	fingerprint string
}

// Result is the outcome of running the chain on one file.
type Result struct {
	Code      []byte
	SourceMap []byte
	Kind      Kind
	// Names of the stages that ran, in order
	Stages   []string
	Warnings []string
	// Inputs besides the source file, a cached result is stale once one changes
	Inputs []Input
}

// NewChain compiles rules against the registry. Unknown stages and bad patterns
// are configuration errors.
func NewChain(rules []config.Rule, reg Registry) (*Chain, error) {
	var (
		errs []error
		fp   strings.Builder
	)

	c := &Chain{}
	for i, r := range rules {
		test, err := regexp.Compile(r.Test)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: invalid test pattern: %w", i, err))
			continue
		}

		var exclude *regexp.Regexp
		if r.Exclude != "" {
			if exclude, err = regexp.Compile(r.Exclude); err != nil {
				errs = append(errs, fmt.Errorf("rule %d: invalid exclude pattern: %w", i, err))
				continue
			}
		}

		phase, err := ParsePhase(r.Enforce)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}

		stage, ok := reg[r.Use]
		if !ok {
			errs = append(errs, fmt.Errorf("rule %d: unknown stage %q", i, r.Use))
			continue
		}

		c.rules = append(c.rules, rule{test: test, exclude: exclude, phase: phase, stage: stage})
		fmt.Fprintf(&fp, "%s|%s|%s|%s;", phase, r.Test, r.Exclude, r.Use)
	}

	if len(errs) > 0 {
		return nil, builderr.Config("invalid module rules", errors.Join(errs...))
	}

	c.fingerprint = fp.String()
	return c, nil
}

// Fingerprint identifies the rule list, used to key cached results
func (c *Chain) Fingerprint() string {
	return c.fingerprint
}

// Plan returns the stages that apply to path in execution order, and the normal
// stages shadowed by the one selected.
func (c *Chain) Plan(path string) ([]Stage, []string) {
	pre, normal, post, shadowed := c.match(path)

	plan := pre
	if normal != nil {
		plan = append(plan, *normal)
	}
	return append(plan, post...), shadowed
}

// match splits the rules matching path by phase and selects the normal stage
func (c *Chain) match(path string) (pre []Stage, normal *Stage, post []Stage, shadowed []string) {
	path = filepath.ToSlash(path)

	for _, r := range c.rules {
		if !r.matches(path) {
			continue
		}

		switch r.phase {
		case PhasePre:
			pre = append(pre, r.stage)
		case PhasePost:
			post = append(post, r.stage)
		default:
			switch {
			case normal == nil:
				s := r.stage
				normal = &s
			case r.stage.Bypass && !normal.Bypass:
				shadowed = append(shadowed, normal.Name)
				s := r.stage
				normal = &s
			default:
				shadowed = append(shadowed, r.stage.Name)
			}
		}
	}

	return pre, normal, post, shadowed
}

// Transform runs every applicable stage on src.
func (c *Chain) Transform(ctx context.Context, path string, src []byte) (*Result, error) {
	stages, shadowed := c.Plan(path)
	if len(shadowed) > 0 {
		_, normal, _, _ := c.match(path)
		zerolog.Ctx(ctx).Debug().
			Str("path", path).
			Str("selected", normal.Name).
			Strs("shadowed", shadowed).
			Msg("Several normal rules matched")
	}

	asset := Asset{Path: path, Code: src, Kind: KindModule}
	res := &Result{}

	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next, err := stage.Run(ctx, asset)
		if err != nil {
			return nil, stageError(path, stage.Name, err)
		}

		asset = next
		res.Stages = append(res.Stages, stage.Name)
	}

	res.Code = asset.Code
	res.SourceMap = asset.SourceMap
	res.Kind = asset.Kind
	res.Warnings = asset.Warnings
	res.Inputs = asset.Inputs

	return res, nil
}

func stageError(path, stage string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var perr *builderr.Error
	if errors.As(err, &perr) {
		return err
	}

	return &builderr.Error{
		Kind: builderr.KindTransform,
		Path: path,
		Msg:  fmt.Sprintf("stage %s failed", stage),
		Err:  err,
	}
}
