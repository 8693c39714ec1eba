package sandbox

import (
	"bytes"
	"html/template"
	"regexp"

	"github.com/GriffinCanCode/simlab/backend/internal/shared/types"
)

// DocumentCSP is the Content-Security-Policy served with BuildDocument
// output. An opaque origin keeps the frame away from host cookies and storage.
const DocumentCSP = "sandbox allow-scripts"

var documentTemplate = template.Must(template.New("simulation").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Simulation</title>
<style>
body { margin: 0; padding: 20px; font-family: Arial, sans-serif; background: #f8f9fa; }
canvas { display: block; margin: 0 auto; border: 1px solid #ddd; background: white; }
.error { background: #f8d7da; border: 1px solid #f5c6cb; color: #721c24; padding: 15px; border-radius: 4px; margin: 20px; text-align: center; }
</style>
</head>
<body>
{{.Markup}}
<script>
(function () {
  function showError(title, message) {
    var box = document.createElement("div");
    box.className = "error";
    var h = document.createElement("h3");
    h.textContent = title;
    var p = document.createElement("p");
    p.textContent = String(message);
    box.appendChild(h);
    box.appendChild(p);
    document.body.innerHTML = "";
    document.body.appendChild(box);
  }
  window.onerror = function (message, source, lineno, colno, error) {
    console.error("Simulation Error:", message, error);
    showError("Simulation Error", message);
    return true;
  };
  function run() {
    try {
{{.Script}}
    } catch (error) {
      console.error("Script execution error:", error);
      showError("Script Error", error && error.message ? error.message : error);
    }
  }
  if (document.readyState === "loading") {
    document.addEventListener("DOMContentLoaded", run);
  } else {
    run();
  }
})();
</script>
</body>
</html>
`))

// BuildDocument renders a standalone browser document for art. markup must
// already be sanitized.
func BuildDocument(art types.Artifact, markup string) (string, error) {
	var buf bytes.Buffer
	err := documentTemplate.Execute(&buf, struct {
		Markup template.HTML
		Script template.JS
	}{
		Markup: template.HTML(markup),
		Script: template.JS(escapeScript(art.Script)),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

var scriptBreak = regexp.MustCompile(`(?i)<(/script|!--)`)

// escapeScript keeps artifact code from closing the surrounding script element.
func escapeScript(src string) string {
	return scriptBreak.ReplaceAllString(src, `<\$1`)
}
