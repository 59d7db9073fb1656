package executor

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/exec"

	"github.com/go-pdf/fpdf"

	"github.com/cuemby/tsimd/pkg/apierr"
	"github.com/cuemby/tsimd/pkg/types"
)

// phaseRenderPDF persists the run's result record, then composes
// report.pdf in a separate re-exec'd process. Running composition out of
// process, bounded by pdfSem, is what gives the PDF step a process-pool
// memory bound rather than one fpdf.Fpdf instance per concurrent run
// living inside the Executor's own address space.
func (e *Executor) phaseRenderPDF(ctx context.Context, st *runState) error {
	dir := e.runDir(st.run.ID)
	resultPath := dir + "/result.json"

	data, err := json.MarshalIndent(st.run, "", "  ")
	if err != nil {
		return apierr.Wrap(apierr.Fatal, "executor: cannot marshal result", err)
	}
	if err := os.WriteFile(resultPath, data, 0o660); err != nil {
		return apierr.Wrap(apierr.Transient, "executor: cannot write result artifact", err)
	}
	st.run.ResultPath = resultPath

	e.pdfSem <- struct{}{}
	defer func() { <-e.pdfSem }()

	cmd := exec.CommandContext(ctx, e.selfPath, "render-pdf", "--run-dir", dir)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("render-pdf subprocess failed: %s: %w", string(output), err)
	}
	st.run.PDFPath = dir + "/report.pdf"
	return nil
}

// RunRenderPDF is the hidden "render-pdf" subcommand entrypoint: it reads
// a finished run's result.json from runDir and composes report.pdf — a
// summary page plus one page per probed service.
func RunRenderPDF(args []string) int {
	fs := flag.NewFlagSet("render-pdf", flag.ContinueOnError)
	runDir := fs.String("run-dir", "", "run artifact directory")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *runDir == "" {
		fmt.Fprintln(os.Stderr, "render-pdf: --run-dir is required")
		return 2
	}
	if err := renderPDF(*runDir); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func renderPDF(runDir string) error {
	data, err := os.ReadFile(runDir + "/result.json")
	if err != nil {
		return fmt.Errorf("render-pdf: cannot read result.json: %w", err)
	}
	var run types.Run
	if err := json.Unmarshal(data, &run); err != nil {
		return fmt.Errorf("render-pdf: cannot parse result.json: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(fmt.Sprintf("tsimd reachability report %s", run.ID), false)

	renderSummaryPage(pdf, &run)
	for _, r := range run.Results {
		renderServicePage(pdf, r)
	}

	if err := pdf.Err(); err != nil {
		return fmt.Errorf("render-pdf: composition failed: %w", err)
	}
	return pdf.OutputFileAndClose(runDir + "/report.pdf")
}

func renderSummaryPage(pdf *fpdf.Fpdf, run *types.Run) {
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 10, "Reachability Report", "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.Ln(4)
	pdf.CellFormat(0, 8, fmt.Sprintf("Run: %s", run.ID), "", 1, "", false, 0, "")
	pdf.CellFormat(0, 8, fmt.Sprintf("Source: %s", run.Source), "", 1, "", false, 0, "")
	pdf.CellFormat(0, 8, fmt.Sprintf("Destination: %s", run.Destination), "", 1, "", false, 0, "")
	pdf.CellFormat(0, 8, fmt.Sprintf("State: %s", run.State), "", 1, "", false, 0, "")
	pdf.Ln(4)

	pdf.SetFont("Helvetica", "B", 12)
	pdf.CellFormat(0, 8, "Service summary", "", 1, "", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	for _, r := range run.Results {
		pdf.CellFormat(0, 7, fmt.Sprintf("%d/%s: %s", r.Service.Port, r.Service.Protocol, r.Verdict), "", 1, "", false, 0, "")
	}
}

func renderServicePage(pdf *fpdf.Fpdf, r types.ServiceResult) {
	pdf.AddPage()
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 10, fmt.Sprintf("Service %d/%s", r.Service.Port, r.Service.Protocol), "", 1, "", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)
	pdf.CellFormat(0, 8, fmt.Sprintf("Verdict: %s", r.Verdict), "", 1, "", false, 0, "")
	if r.Verdict == types.VerdictBlocked {
		pdf.CellFormat(0, 8, fmt.Sprintf("Blocked at: %s", r.BlockedAt), "", 1, "", false, 0, "")
		pdf.CellFormat(0, 8, fmt.Sprintf("Rule: %s", r.Rule), "", 1, "", false, 0, "")
	}
	pdf.Ln(2)

	pdf.SetFont("Helvetica", "B", 10)
	pdf.CellFormat(40, 7, "Router", "1", 0, "", false, 0, "")
	pdf.CellFormat(30, 7, "Chain", "1", 0, "", false, 0, "")
	pdf.CellFormat(30, 7, "Accept", "1", 0, "", false, 0, "")
	pdf.CellFormat(30, 7, "Drop", "1", 1, "", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	for _, hop := range r.Hops {
		pdf.CellFormat(40, 7, hop.Router, "1", 0, "", false, 0, "")
		pdf.CellFormat(30, 7, hop.Chain, "1", 0, "", false, 0, "")
		pdf.CellFormat(30, 7, fmt.Sprintf("%d", hop.AcceptDelta), "1", 0, "", false, 0, "")
		pdf.CellFormat(30, 7, fmt.Sprintf("%d", hop.DropDelta), "1", 1, "", false, 0, "")
	}
}
