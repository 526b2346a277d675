package guard

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/minion-dev/minion/internal/models"
)

// patternRule pairs a compiled regex with the severity a hit carries.
type patternRule struct {
	re       *regexp.Regexp
	severity models.Severity
	what     string
}

// dangerousPatterns is the raw-text scan table. It covers process
// spawning, dynamic evaluation, network reach-out, and destructive file
// operations across the languages the agent is asked to touch. The
// syntax scan in syntax.go covers the same ground structurally; a hit on
// either blocks.
var dangerousPatterns = []patternRule{
	{regexp.MustCompile(`(?im)os\.system\s*\(`), models.SeverityBlock, "shell invocation"},
	{regexp.MustCompile(`(?im)subprocess\.(run|call|Popen|check_output)\s*\(`), models.SeverityBlock, "subprocess spawn"},
	{regexp.MustCompile(`(?im)\beval\s*\(`), models.SeverityBlock, "dynamic evaluation"},
	{regexp.MustCompile(`(?im)\bexec\s*\(`), models.SeverityBlock, "dynamic execution"},
	{regexp.MustCompile(`(?im)__import__\s*\(`), models.SeverityBlock, "dynamic import"},
	{regexp.MustCompile(`(?im)exec\.Command\s*\(`), models.SeverityBlock, "subprocess spawn"},
	{regexp.MustCompile(`(?im)syscall\.Exec\b`), models.SeverityBlock, "process replacement"},
	{regexp.MustCompile(`(?im)shutil\.(rmtree|move)\s*\(`), models.SeverityBlock, "recursive file removal"},
	{regexp.MustCompile(`(?im)os\.(remove|unlink|rmdir|RemoveAll)\s*\(`), models.SeverityBlock, "file deletion"},
	{regexp.MustCompile(`(?im)\brm\s+-[a-z]*[rf]`), models.SeverityBlock, "destructive shell command"},
	{regexp.MustCompile(`(?im)urllib\.request|requests\.(get|post|put|delete)\s*\(`), models.SeverityBlock, "network access"},
	{regexp.MustCompile(`(?im)\b(socket|ftplib|smtplib)\.`), models.SeverityBlock, "network access"},
	{regexp.MustCompile(`(?im)net\.(Dial|Listen)\s*\(`), models.SeverityBlock, "network access"},
	{regexp.MustCompile(`(?im)http\.(Get|Post|PostForm)\s*\(`), models.SeverityBlock, "network access"},
	{regexp.MustCompile(`(?im)^\s*(import|from)\s+(os|subprocess|shutil|socket|urllib|requests|ftplib|smtplib)\b`), models.SeverityBlock, "dangerous module import"},
	{regexp.MustCompile(`(?im)child_process|require\s*\(\s*['"]fs['"]\s*\)`), models.SeverityBlock, "dangerous module import"},
	{regexp.MustCompile(`(?im)\bcompile\s*\(`), models.SeverityWarning, "code object construction"},
	{regexp.MustCompile(`(?im)\b(globals|locals)\s*\(\s*\)`), models.SeverityWarning, "namespace introspection"},
	{regexp.MustCompile(`(?im)\b(getattr|setattr|delattr)\s*\(`), models.SeverityWarning, "dynamic attribute access"},
}

// credentialPatterns flag secret-like strings in content.
var credentialPatterns = []patternRule{
	{regexp.MustCompile(`-----BEGIN [A-Z ]+ KEY-----`), models.SeverityBlock, "private key material"},
	{regexp.MustCompile(`(?i)(password|secret|token|api_key|apikey)\s*[:=]\s*["'][^"']+["']`), models.SeverityBlock, "hardcoded credential"},
	{regexp.MustCompile(`(?i)aws_(access|secret)_key`), models.SeverityWarning, "cloud credential reference"},
}

// dangerousFlags block regardless of the base command.
var dangerousFlags = []string{
	"-rf", "--recursive --force", "--delete", "--remove",
	"--privileged", "--cap-add", "--security-opt",
}

func checkTaskType(cfg Config, in Input) []models.Violation {
	if in.Kind != ContextTaskInput {
		return nil
	}
	if _, err := models.ParseTaskType(string(in.TaskType)); err != nil {
		return []models.Violation{{
			Severity: models.SeverityBlock,
			Message:  fmt.Sprintf("task type %q is not in the allowed set", in.TaskType),
		}}
	}
	return nil
}

// checkPathContainment rejects targets that escape the workspace root,
// whether by absolute path or by traversal.
func checkPathContainment(cfg Config, in Input) []models.Violation {
	if in.TargetPath == "" {
		return nil
	}
	if filepath.IsAbs(in.TargetPath) {
		return []models.Violation{{
			Severity: models.SeverityBlock,
			Message:  fmt.Sprintf("absolute target path %q not permitted", in.TargetPath),
		}}
	}
	cleaned := filepath.Clean(in.TargetPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return []models.Violation{{
			Severity: models.SeverityBlock,
			Message:  fmt.Sprintf("target path %q escapes the workspace root", in.TargetPath),
		}}
	}
	if cfg.WorkspaceRoot != "" {
		abs := filepath.Join(cfg.WorkspaceRoot, cleaned)
		rel, err := filepath.Rel(cfg.WorkspaceRoot, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return []models.Violation{{
				Severity: models.SeverityBlock,
				Message:  fmt.Sprintf("target path %q resolves outside the workspace root", in.TargetPath),
			}}
		}
	}
	return nil
}

func checkExtension(cfg Config, in Input) []models.Violation {
	if in.TargetPath == "" {
		return nil
	}
	ext := filepath.Ext(in.TargetPath)
	if ext == "" {
		return []models.Violation{{
			Severity: models.SeverityWarning,
			Message:  fmt.Sprintf("target %q has no file extension", in.TargetPath),
		}}
	}
	for _, allowed := range cfg.AllowedExtensions {
		if ext == allowed {
			return nil
		}
	}
	return []models.Violation{{
		Severity: models.SeverityBlock,
		Message:  fmt.Sprintf("file extension %q is not in the allowed set", ext),
	}}
}

func checkSizeLimit(cfg Config, in Input) []models.Violation {
	if len(in.Content) <= cfg.MaxContentBytes {
		return nil
	}
	return []models.Violation{{
		Severity: models.SeverityBlock,
		Message:  fmt.Sprintf("content is %d bytes, ceiling is %d", len(in.Content), cfg.MaxContentBytes),
	}}
}

func checkDangerousPatterns(cfg Config, in Input) []models.Violation {
	return scanPatterns(in.Content, dangerousPatterns)
}

func checkCredentials(cfg Config, in Input) []models.Violation {
	return scanPatterns(in.Content, credentialPatterns)
}

func scanPatterns(content string, table []patternRule) []models.Violation {
	if content == "" {
		return nil
	}
	var out []models.Violation
	for _, p := range table {
		if m := p.re.FindString(content); m != "" {
			out = append(out, models.Violation{
				Severity: p.severity,
				Message:  fmt.Sprintf("%s detected: %q", p.what, m),
			})
		}
	}
	return out
}

func checkCommand(cfg Config, in Input) []models.Violation {
	if in.Kind != ContextCommand || strings.TrimSpace(in.Command) == "" {
		return nil
	}
	var out []models.Violation
	base := strings.Fields(in.Command)[0]
	allowed := false
	for _, c := range cfg.AllowedCommands {
		if base == c {
			allowed = true
			break
		}
	}
	if !allowed {
		out = append(out, models.Violation{
			Severity: models.SeverityBlock,
			Message:  fmt.Sprintf("command %q is not in the allowed set", base),
		})
	}
	for _, flag := range dangerousFlags {
		if strings.Contains(in.Command, flag) {
			out = append(out, models.Violation{
				Severity: models.SeverityBlock,
				Message:  fmt.Sprintf("dangerous command flag %q", flag),
			})
		}
	}
	return out
}
