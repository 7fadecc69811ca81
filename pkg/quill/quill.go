package quill

import (
	"github.com/conneroisu/quill/internal/artifact"
	"github.com/conneroisu/quill/internal/engine"
	qerrors "github.com/conneroisu/quill/internal/errors"
	"github.com/conneroisu/quill/internal/expr"
	"github.com/conneroisu/quill/internal/lexer"
	"github.com/conneroisu/quill/internal/logging"
	"github.com/conneroisu/quill/internal/options"
	"github.com/conneroisu/quill/internal/provider"
	"github.com/conneroisu/quill/internal/registry"
)

type (
	Engine   = engine.Engine
	Config   = engine.Config
	Stats    = engine.Stats
	Artifact = artifact.Artifact

	Mask = options.Mask
	Flag = options.Flag

	Provider       = provider.Provider
	Freshness      = provider.Freshness
	FSProvider     = provider.FSProvider
	MemoryProvider = provider.MemoryProvider

	Delimiters     = lexer.Delimiters
	FloatingPolicy = registry.FloatingPolicy

	// Extension points.
	Tag          = registry.Tag
	Compiler     = registry.Compiler
	Parser       = registry.Parser
	InlineTag    = registry.InlineTag
	BlockTag     = registry.BlockTag
	Func         = expr.Func
	InlineFunc   = artifact.InlineFunc
	BlockFunc    = artifact.BlockFunc
	PostFilter   = engine.PostFilter
	Logger       = logging.Logger
	Error        = qerrors.Error
	ErrorType    = qerrors.ErrorType
	LoggerConfig = logging.LoggerConfig
)

// Engine options.
const (
	DisableAccessor    = options.DisableAccessor
	DisableMethods     = options.DisableMethods
	DisableNativeFuncs = options.DisableNativeFuncs
	ForceInclude       = options.ForceInclude
	AutoReload         = options.AutoReload
	ForceCompile       = options.ForceCompile
	AutoEscape         = options.AutoEscape
	DisableCache       = options.DisableCache
	ForceVerify        = options.ForceVerify
	AutoTrim           = options.AutoTrim
)

// Floating tag policies.
const (
	Nearest   = registry.Nearest
	Outermost = registry.Outermost
)

// Version is the engine version.
var Version = engine.Version

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	return engine.New(cfg)
}

// NewFSProvider serves templates from dir. ext limits template listing.
func NewFSProvider(dir, ext string) *FSProvider {
	return provider.NewFSProvider(dir, ext)
}

// NewMemoryProvider serves templates from a map.
func NewMemoryProvider(templates map[string]string) *MemoryProvider {
	return provider.NewMemoryProvider(templates)
}

// ParseOptions accepts a number or a list of option names.
func ParseOptions(s string) (Mask, error) {
	return options.Parse(s)
}

// NewLogger builds the structured logger engines accept.
func NewLogger(cfg *LoggerConfig) Logger {
	return logging.NewLogger(cfg)
}

func IsNotFound(err error) bool { return qerrors.IsNotFound(err) }
func IsSyntax(err error) bool   { return qerrors.IsSyntax(err) }
func IsLex(err error) bool      { return qerrors.IsLex(err) }
func IsConfig(err error) bool   { return qerrors.IsConfig(err) }
func IsCache(err error) bool    { return qerrors.IsCache(err) }
func IsRuntime(err error) bool  { return qerrors.IsRuntime(err) }
