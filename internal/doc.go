// Package internal contains the implementation packages behind the quill
// command and the pkg/quill embedding API.
//
// # Package Organization
//
// The template pipeline, in the order a template flows through it:
//
//   - provider: template sources and freshness tokens
//   - lexer: splits source into text and tag tokens
//   - expr: expression parsing and evaluation
//   - registry: tag compilers and modifiers, built-in and user supplied
//   - compiler: tag-scope state machine producing artifacts
//   - artifact: the compiled form and its executor
//   - cache: in-process table and on-disk compile directory
//   - engine: the facade tying the above together
//
// Around it:
//
//   - build: parallel compilation of template batches
//   - config: viper-backed configuration
//   - errors: typed errors carrying template positions
//   - logging: structured logging over log/slog
//   - modifiers: built-in modifiers and host functions
//   - options: engine option flags
//   - server: HTTP rendering with websocket live reload
//   - vars: JSON, YAML and HCL variable files
//   - version: build information
//   - watcher: fsnotify-based template watching
package internal
