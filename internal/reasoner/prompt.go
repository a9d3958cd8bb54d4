package reasoner

import "strings"

const (
	promptInstruction = "Extract JSON: source, date, summary, type, crime, severity."
	// promptPrimer opens the assistant turn inside a findings array so the
	// model continues with bare fact objects.
	promptPrimer = `{"findings": [`
)

// BuildPrompt renders one segment of a file as a ChatML completion prompt.
func BuildPrompt(filename, segment string) string {
	var b strings.Builder
	b.Grow(len(promptInstruction) + len(filename) + len(segment) + 128)
	b.WriteString("<|im_start|>system\n")
	b.WriteString(promptInstruction)
	b.WriteString("<|im_end|>\n<|im_start|>user\nFILE: ")
	b.WriteString(filename)
	b.WriteString("\nDATA: ")
	b.WriteString(segment)
	b.WriteString("<|im_end|>\n<|im_start|>assistant\n")
	b.WriteString(promptPrimer)
	return b.String()
}
