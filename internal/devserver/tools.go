package devserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/metagen/metagen/sdk/metagen"
)

const (
	// FileLimit caps list_directory output.
	FileLimit = 100
	// DefaultReadLimit is the number of lines read_file returns by default.
	DefaultReadLimit = 2000
	// MaxLineLength truncates long lines in read_file output.
	MaxLineLength = 2000
)

var ignorePatterns = []string{
	"node_modules",
	"__pycache__",
	".git",
	"dist",
	"build",
	"vendor",
	".idea",
	".vscode",
	".cache",
	".venv",
}

// Tool is a capability the dev agent can invoke inside its workspace.
type Tool struct {
	Name        string
	Description string
	InputSchema metagen.Value
	// RequiresApproval gates execution behind an approval_request.
	RequiresApproval bool
	Execute          func(ctx context.Context, ws *Workspace, args metagen.Value) (metagen.Value, error)
}

// ToolRegistry holds the tools the dev agent offers.
type ToolRegistry struct {
	tools map[string]*Tool
}

// NewToolRegistry creates a registry with the built-in tools.
func NewToolRegistry() *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]*Tool)}
	r.Register(ListDirectoryTool())
	r.Register(ReadFileTool())
	r.Register(WriteFileTool())
	return r
}

// Register adds a tool, replacing one with the same name.
func (r *ToolRegistry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name.
func (r *ToolRegistry) Get(name string) (*Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return t, nil
}

// All returns the registered tools sorted by name.
func (r *ToolRegistry) All() []*Tool {
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the tool names sorted.
func (r *ToolRegistry) Names() []string {
	var names []string
	for _, t := range r.All() {
		names = append(names, t.Name)
	}
	return names
}

// Workspace confines tool file access to one directory tree.
type Workspace struct {
	root string
}

// NewWorkspace roots a workspace at dir.
func NewWorkspace(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace %s is not a directory", abs)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the workspace directory.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a tool path argument to an absolute path inside the
// workspace.
func (w *Workspace) Resolve(p string) (string, error) {
	if p == "" {
		p = "."
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(w.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(w.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %s is outside the workspace", p)
	}
	return p, nil
}

func (w *Workspace) rel(p string) string {
	if rel, err := filepath.Rel(w.root, p); err == nil {
		return filepath.ToSlash(rel)
	}
	return p
}

func stringArg(args metagen.Value, key string) (string, bool) {
	v, ok := args.Get(key)
	if !ok {
		return "", false
	}
	return v.Str()
}

func intArg(args metagen.Value, key string, def int) int {
	v, ok := args.Get(key)
	if !ok {
		return def
	}
	if n, ok := v.Int(); ok {
		return int(n)
	}
	if f, ok := v.Float(); ok {
		return int(f)
	}
	return def
}

func schema(required []string, props ...metagen.Field) metagen.Value {
	req := make([]metagen.Value, len(required))
	for i, r := range required {
		req[i] = metagen.StringValue(r)
	}
	return metagen.ObjectValue(
		metagen.Field{Key: "type", Value: metagen.StringValue("object")},
		metagen.Field{Key: "properties", Value: metagen.ObjectValue(props...)},
		metagen.Field{Key: "required", Value: metagen.ArrayValue(req...)},
	)
}

func prop(name, typ, description string) metagen.Field {
	return metagen.Field{Key: name, Value: metagen.ObjectValue(
		metagen.Field{Key: "type", Value: metagen.StringValue(typ)},
		metagen.Field{Key: "description", Value: metagen.StringValue(description)},
	)}
}

// ListDirectoryTool lists files below a workspace directory.
func ListDirectoryTool() *Tool {
	return &Tool{
		Name:        "list_directory",
		Description: "Lists files below a directory of the workspace, skipping VCS and dependency folders.",
		InputSchema: schema(nil,
			prop("path", "string", "Directory to list, relative to the workspace root"),
		),
		Execute: executeList,
	}
}

func executeList(ctx context.Context, ws *Workspace, args metagen.Value) (metagen.Value, error) {
	p, _ := stringArg(args, "path")
	dir, err := ws.Resolve(p)
	if err != nil {
		return metagen.Value{}, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return metagen.Value{}, fmt.Errorf("path not found: %s", ws.rel(dir))
		}
		return metagen.Value{}, fmt.Errorf("failed to stat path: %v", err)
	}
	if !info.IsDir() {
		return metagen.Value{}, fmt.Errorf("path is not a directory: %s", ws.rel(dir))
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip unreadable entries
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil || rel == "." {
			return nil
		}
		if shouldIgnore(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			files = append(files, filepath.ToSlash(rel))
			if len(files) >= FileLimit {
				return filepath.SkipAll
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, filepath.SkipAll) {
		return metagen.Value{}, fmt.Errorf("failed to walk directory: %w", err)
	}
	sort.Strings(files)

	entries := make([]metagen.Value, len(files))
	for i, f := range files {
		entries[i] = metagen.StringValue(f)
	}
	return metagen.ObjectValue(
		metagen.Field{Key: "path", Value: metagen.StringValue(ws.rel(dir))},
		metagen.Field{Key: "files", Value: metagen.ArrayValue(entries...)},
		metagen.Field{Key: "count", Value: metagen.IntValue(int64(len(files)))},
		metagen.Field{Key: "truncated", Value: metagen.BoolValue(len(files) >= FileLimit)},
	), nil
}

func shouldIgnore(rel string) bool {
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		for _, pattern := range ignorePatterns {
			if matched, _ := filepath.Match(pattern, part); matched {
				return true
			}
		}
	}
	return false
}

// ReadFileTool reads a text file of the workspace with line numbers.
func ReadFileTool() *Tool {
	return &Tool{
		Name:        "read_file",
		Description: "Reads a text file of the workspace. Lines are numbered from 1; use offset and limit for long files.",
		InputSchema: schema([]string{"file_path"},
			prop("file_path", "string", "File to read, relative to the workspace root"),
			prop("offset", "number", "Number of lines to skip"),
			prop("limit", "number", "Maximum number of lines to return"),
		),
		Execute: executeRead,
	}
}

func executeRead(ctx context.Context, ws *Workspace, args metagen.Value) (metagen.Value, error) {
	p, ok := stringArg(args, "file_path")
	if !ok || p == "" {
		return metagen.Value{}, errors.New("file_path parameter is required")
	}
	path, err := ws.Resolve(p)
	if err != nil {
		return metagen.Value{}, err
	}
	offset := max(intArg(args, "offset", 0), 0)
	limit := intArg(args, "limit", DefaultReadLimit)
	if limit <= 0 {
		limit = DefaultReadLimit
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return metagen.Value{}, fmt.Errorf("file not found: %s", ws.rel(path))
		}
		return metagen.Value{}, fmt.Errorf("failed to stat file: %v", err)
	}
	if info.IsDir() {
		return metagen.Value{}, fmt.Errorf("path is a directory, not a file: %s", ws.rel(path))
	}

	file, err := os.Open(path)
	if err != nil {
		return metagen.Value{}, fmt.Errorf("failed to open file: %v", err)
	}
	defer file.Close()

	var out strings.Builder
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum, linesRead, totalLines := 0, 0, 0
	for scanner.Scan() {
		lineNum++
		totalLines++
		if lineNum <= offset || linesRead >= limit {
			continue
		}
		line := scanner.Text()
		if len(line) > MaxLineLength {
			line = line[:MaxLineLength] + "..."
		}
		fmt.Fprintf(&out, "%05d| %s\n", lineNum, line)
		linesRead++
	}
	if err := scanner.Err(); err != nil {
		return metagen.Value{}, fmt.Errorf("error reading file: %v", err)
	}

	return metagen.ObjectValue(
		metagen.Field{Key: "path", Value: metagen.StringValue(ws.rel(path))},
		metagen.Field{Key: "content", Value: metagen.StringValue(out.String())},
		metagen.Field{Key: "lines_read", Value: metagen.IntValue(int64(linesRead))},
		metagen.Field{Key: "total_lines", Value: metagen.IntValue(int64(totalLines))},
		metagen.Field{Key: "truncated", Value: metagen.BoolValue(totalLines > offset+linesRead)},
	), nil
}

// WriteFileTool writes a file of the workspace. It needs approval.
func WriteFileTool() *Tool {
	return &Tool{
		Name:             "write_file",
		Description:      "Writes a file of the workspace, replacing any existing content. Requires user approval.",
		RequiresApproval: true,
		InputSchema: schema([]string{"file_path", "content"},
			prop("file_path", "string", "File to write, relative to the workspace root"),
			prop("content", "string", "The content to write to the file"),
		),
		Execute: executeWrite,
	}
}

func executeWrite(ctx context.Context, ws *Workspace, args metagen.Value) (metagen.Value, error) {
	p, ok := stringArg(args, "file_path")
	if !ok || p == "" {
		return metagen.Value{}, errors.New("file_path parameter is required")
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return metagen.Value{}, errors.New("content parameter is required")
	}
	path, err := ws.Resolve(p)
	if err != nil {
		return metagen.Value{}, err
	}

	info, err := os.Stat(path)
	exists := err == nil
	if exists && info.IsDir() {
		return metagen.Value{}, fmt.Errorf("path is a directory, not a file: %s", ws.rel(path))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return metagen.Value{}, fmt.Errorf("failed to create parent directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return metagen.Value{}, fmt.Errorf("failed to write file: %v", err)
	}

	return metagen.ObjectValue(
		metagen.Field{Key: "path", Value: metagen.StringValue(ws.rel(path))},
		metagen.Field{Key: "bytes", Value: metagen.IntValue(int64(len(content)))},
		metagen.Field{Key: "created", Value: metagen.BoolValue(!exists)},
	), nil
}
