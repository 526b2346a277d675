package guard

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"

	"github.com/minion-dev/minion/internal/models"
)

// blockedImports are packages whose import in candidate Go code blocks
// outright. They map to the same categories the raw-text scan covers:
// process spawning, network reach-out, and unsafe memory access.
var blockedImports = map[string]string{
	"os/exec":     "subprocess spawn",
	"syscall":     "raw syscall access",
	"net":         "network access",
	"net/http":    "network access",
	"net/smtp":    "network access",
	"net/rpc":     "network access",
	"unsafe":      "unsafe memory access",
	"plugin":      "dynamic code loading",
	"runtime/cgo": "native code boundary",
	"os/signal":   "process signal control",
}

// blockedCalls are selector calls that block even when the import slips
// past (dot imports, aliased imports).
var blockedCalls = map[string]string{
	"exec.Command":        "subprocess spawn",
	"exec.CommandContext": "subprocess spawn",
	"os.Remove":           "file deletion",
	"os.RemoveAll":        "recursive file removal",
	"os.StartProcess":     "process spawn",
	"syscall.Exec":        "process replacement",
	"net.Dial":            "network access",
	"net.Listen":          "network access",
	"http.Get":            "network access",
	"http.Post":           "network access",
}

// checkSyntax parses candidate Go code and inspects import and call
// nodes. Content that does not parse as Go is left to the raw-text scan;
// the two tables agree on what blocks, and a hit on either blocks.
func checkSyntax(cfg Config, in Input) []models.Violation {
	if in.Content == "" || !looksLikeGo(in.Content) {
		return nil
	}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "candidate.go", in.Content, parser.SkipObjectResolution)
	if err != nil {
		return nil
	}

	var out []models.Violation
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		if what, bad := blockedImports[path]; bad {
			out = append(out, models.Violation{
				Severity: models.SeverityBlock,
				Message:  fmt.Sprintf("import %q: %s", path, what),
			})
		}
	}

	ast.Inspect(file, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok {
			return true
		}
		ident, ok := sel.X.(*ast.Ident)
		if !ok {
			return true
		}
		name := ident.Name + "." + sel.Sel.Name
		if what, bad := blockedCalls[name]; bad {
			out = append(out, models.Violation{
				Severity: models.SeverityBlock,
				Message:  fmt.Sprintf("call %s: %s", name, what),
			})
		}
		return true
	})
	return out
}

// looksLikeGo is a cheap pre-filter so non-Go payloads skip the parser.
func looksLikeGo(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		return strings.HasPrefix(trimmed, "package ")
	}
	return false
}
