package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/depbump/internal/logfields"
	"github.com/simplesurance/depbump/internal/stringutils"
)

// SummaryFallback is returned as summary when none could be generated.
const SummaryFallback = "Failed to generate summary due to an error."

const summarySystemPrompt = "You are a software developer reviewing changes to a project's dependencies."

const defaultSummaryHeading = "AI"

func summaryUserPrompt(original, updated string) string {
	var sb strings.Builder

	sb.WriteString("Summarize the changes between the original and the updated requirements file.\n")
	sb.WriteString("Mention which packages were updated and point out major version changes.\n\n")
	sb.WriteString("Original requirements:\n")
	sb.WriteString(stringutils.IndentString(original, "    "))
	sb.WriteString("\n\nUpdated requirements:\n")
	sb.WriteString(stringutils.IndentString(updated, "    "))
	sb.WriteString("\n\nSummary:")

	return sb.String()
}

// DiffSummary returns a natural language summary of the differences between
// two manifests.
// It never fails, if no summary can be generated SummaryFallback is
// returned.
func (s *Service) DiffSummary(ctx context.Context, original, updated string) string {
	logger := s.logger.With(logfields.Operation("diff_summary"))

	if s.summarizer == nil {
		logger.Warn(
			"generating diff summary not possible, no summarizer configured",
			logfields.Event("diff_summary_failed"),
		)
		return SummaryFallback
	}

	text, err := s.summarizer.Complete(ctx, summarySystemPrompt, summaryUserPrompt(original, updated))
	if err != nil {
		logger.Warn(
			"generating diff summary failed",
			logfields.Event("diff_summary_failed"),
			zap.Error(err),
		)
		return SummaryFallback
	}

	text = strings.TrimSpace(text)
	if text == "" {
		logger.Warn(
			"generating diff summary failed",
			logfields.Event("diff_summary_failed"),
			zap.Error(errors.New("summarizer returned empty text")),
		)
		return SummaryFallback
	}

	heading := s.summaryHeading
	if heading == "" {
		heading = defaultSummaryHeading
	}

	return fmt.Sprintf("### %s Summary:\n%s", heading, text)
}
