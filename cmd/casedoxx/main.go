// Package main is the operator CLI. It talks to the API server over HTTP and
// maps failures onto distinct exit codes so scripts can branch on them:
// 2 validation, 3 not found, 4 retries exhausted, 5 internal.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ggalvin-sc/casedoxx-loadfile-creator/internal/model"
)

const (
	exitValidation = 2
	exitNotFound   = 3
	exitTransient  = 4
	exitInternal   = 5
)

type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

var serverURL string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "casedoxx: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitValidation)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "casedoxx",
		Short:        "Casedoxx production CLI",
		Long:         `Casedoxx CLI drives the loadfile pipeline: create review batches, upload files, record review decisions and commit approved sets to Bates-numbered production.`,
		SilenceUsage: true,
	}
	defaultServer := os.Getenv("CASEDOXX_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVarP(&serverURL, "server", "s", defaultServer, "API server base URL")
	cmd.AddCommand(
		newBatchCmd(),
		newUploadCmd(),
		newApproveCmd(),
		newRejectCmd(),
		newReopenCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newReportCmd(),
		newVerifyCmd(),
	)
	return cmd
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Manage review batches",
	}

	var createdBy string
	var deadline string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a review batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"name": args[0], "createdBy": createdBy}
			if deadline != "" {
				t, err := time.Parse(time.RFC3339, deadline)
				if err != nil {
					return &exitError{exitValidation, fmt.Sprintf("invalid deadline: %v", err)}
				}
				body["deadline"] = t
			}
			var batch model.ReviewBatch
			if err := postJSON(cmd.Context(), "/batches", body, &batch); err != nil {
				return err
			}
			fmt.Printf("batch %s created\n", batch.ID)
			return nil
		},
	}
	create.Flags().StringVar(&createdBy, "by", "", "Creator name")
	create.Flags().StringVar(&deadline, "deadline", "", "Review deadline (RFC 3339)")

	show := &cobra.Command{
		Use:   "show BATCH_ID",
		Short: "Show a batch with its review counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			if err := getJSON(cmd.Context(), "/batches/"+args[0], &out); err != nil {
				return err
			}
			return printIndented(out)
		},
	}

	files := &cobra.Command{
		Use:   "files BATCH_ID",
		Short: "List batch members with decisions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var recs []model.FileRecord
			if err := getJSON(cmd.Context(), "/batches/"+args[0]+"/files", &recs); err != nil {
				return err
			}
			for _, rec := range recs {
				fmt.Printf("%s  %-10s  %-8s  %s\n", rec.ID, rec.Review.Status, rec.Integrity, rec.OriginalName)
			}
			return nil
		},
	}

	cmd.AddCommand(create, show, files)
	return cmd
}

func newUploadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "upload BATCH_ID FILE...",
		Short: "Upload files into a batch",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID := args[0]
			for _, path := range args[1:] {
				rec, err := uploadFile(cmd.Context(), batchID, path)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %-8s  %s\n", rec.ID, rec.Integrity, rec.OriginalName)
			}
			return nil
		},
	}
}

func newApproveCmd() *cobra.Command {
	var by, note string
	var priority int
	var all bool
	cmd := &cobra.Command{
		Use:   "approve BATCH_ID [FILE_ID]",
		Short: "Approve a pending file, or all pending files with --all",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID := args[0]
			if all {
				var res struct {
					Applied int `json:"applied"`
					Skipped int `json:"skipped"`
				}
				body := map[string]any{"by": by, "priority": priority}
				if err := postJSON(cmd.Context(), "/batches/"+batchID+"/bulk-approve", body, &res); err != nil {
					return err
				}
				fmt.Printf("approved %d, skipped %d\n", res.Applied, res.Skipped)
				return nil
			}
			if len(args) < 2 {
				return &exitError{exitValidation, "file id required without --all"}
			}
			body := map[string]any{"by": by, "note": note, "priority": priority}
			var rec model.FileRecord
			if err := postJSON(cmd.Context(), "/batches/"+batchID+"/files/"+args[1]+"/approve", body, &rec); err != nil {
				return err
			}
			fmt.Printf("%s approved (priority %d)\n", rec.ID, rec.Review.Priority)
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "Reviewer name")
	cmd.Flags().StringVar(&note, "note", "", "Optional note")
	cmd.Flags().IntVar(&priority, "priority", 3, "Processing priority, 1 to 5")
	cmd.Flags().BoolVar(&all, "all", false, "Approve every pending member")
	return cmd
}

func newRejectCmd() *cobra.Command {
	var by, reason string
	var all bool
	cmd := &cobra.Command{
		Use:   "reject BATCH_ID [FILE_ID]",
		Short: "Reject a pending file, or all pending files with --all",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID := args[0]
			if all {
				var res struct {
					Applied int `json:"applied"`
					Skipped int `json:"skipped"`
				}
				body := map[string]any{"by": by, "reason": reason}
				if err := postJSON(cmd.Context(), "/batches/"+batchID+"/bulk-reject", body, &res); err != nil {
					return err
				}
				fmt.Printf("rejected %d, skipped %d\n", res.Applied, res.Skipped)
				return nil
			}
			if len(args) < 2 {
				return &exitError{exitValidation, "file id required without --all"}
			}
			body := map[string]any{"by": by, "reason": reason}
			var rec model.FileRecord
			if err := postJSON(cmd.Context(), "/batches/"+batchID+"/files/"+args[1]+"/reject", body, &rec); err != nil {
				return err
			}
			fmt.Printf("%s rejected\n", rec.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "Reviewer name")
	cmd.Flags().StringVar(&reason, "reason", "", "Rejection reason (required)")
	return cmd
}

func newReopenCmd() *cobra.Command {
	var by string
	cmd := &cobra.Command{
		Use:   "reopen BATCH_ID FILE_ID",
		Short: "Return a decided file to pending",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"by": by}
			var rec model.FileRecord
			if err := postJSON(cmd.Context(), "/batches/"+args[0]+"/files/"+args[1]+"/reopen", body, &rec); err != nil {
				return err
			}
			fmt.Printf("%s reopened\n", rec.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&by, "by", "", "Reviewer name")
	return cmd
}

func newSubmitCmd() *cobra.Command {
	var cfg model.JobConfig
	var fileTimeout, jobTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "submit BATCH_ID",
		Short: "Commit the approved set to production",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Processing.PerFileTimeout = fileTimeout
			cfg.Processing.JobTimeout = jobTimeout
			var res struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			}
			body := map[string]any{"batchId": args[0], "config": cfg}
			if err := postJSON(cmd.Context(), "/jobs", body, &res); err != nil {
				return err
			}
			fmt.Printf("job %s %s\n", res.ID, res.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Numbering.Prefix, "prefix", "", "Bates prefix (required)")
	cmd.Flags().Uint64Var(&cfg.Numbering.StartNumber, "start", 0, "Bates start number")
	cmd.Flags().IntVar(&cfg.Numbering.PadWidth, "width", 0, "Bates pad width")
	cmd.Flags().StringVar(&cfg.Volume, "volume", "", "Volume name")
	cmd.Flags().StringVar(&cfg.OutputDir, "output", "", "Output directory on the server")
	cmd.Flags().IntVar(&cfg.Processing.Workers, "workers", 0, "Concurrent file workers")
	cmd.Flags().DurationVar(&fileTimeout, "file-timeout", 0, "Per-file timeout")
	cmd.Flags().DurationVar(&jobTimeout, "job-timeout", 0, "Whole-job timeout")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show job progress and outcome counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for {
				var info struct {
					Job    model.Job      `json:"job"`
					Counts map[string]int `json:"counts"`
				}
				if err := getJSON(cmd.Context(), "/jobs/"+args[0], &info); err != nil {
					return err
				}
				fmt.Printf("%s  %s  success=%d failed=%d timeout=%d skipped=%d\n",
					info.Job.ID, info.Job.Status,
					info.Counts["success"], info.Counts["failed"],
					info.Counts["timeout"], info.Counts["skipped"])
				if !watch || info.Job.Status.Terminal() {
					if info.Job.Summary != "" {
						fmt.Println(info.Job.Summary)
					}
					return nil
				}
				select {
				case <-cmd.Context().Done():
					return cmd.Context().Err()
				case <-time.After(2 * time.Second):
				}
			}
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "Poll until the job is terminal")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Request cooperative cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				ID string `json:"id"`
			}
			if err := postJSON(cmd.Context(), "/jobs/"+args[0]+"/cancel", map[string]any{}, &res); err != nil {
				return err
			}
			fmt.Printf("cancel requested for %s\n", res.ID)
			return nil
		},
	}
}

func newReportCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "report JOB_ID",
		Short: "Download the job report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := getRaw(cmd.Context(), "/jobs/"+args[0]+"/report?format="+format)
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(body)
			return err
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "Report format: json or csv")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify JOB_ID",
		Short: "Audit a finished job's volume against its manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rep struct {
				Volume    string   `json:"volume"`
				Documents int      `json:"documents"`
				Pages     int      `json:"pages"`
				Problems  []string `json:"problems"`
			}
			if err := getJSON(cmd.Context(), "/jobs/"+args[0]+"/verify", &rep); err != nil {
				return err
			}
			fmt.Printf("%s: %d documents, %d pages\n", rep.Volume, rep.Documents, rep.Pages)
			if len(rep.Problems) == 0 {
				fmt.Println("ok")
				return nil
			}
			for _, p := range rep.Problems {
				fmt.Printf("problem: %s\n", p)
			}
			return &exitError{exitValidation, fmt.Sprintf("%d problems found", len(rep.Problems))}
		},
	}
}

// --- HTTP plumbing ---

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func uploadFile(ctx context.Context, batchID, path string) (*model.FileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &exitError{exitValidation, fmt.Sprintf("read %s: %v", path, err)}
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, &exitError{exitInternal, err.Error()}
	}
	if _, err := fw.Write(data); err != nil {
		return nil, &exitError{exitInternal, err.Error()}
	}
	if err := mw.Close(); err != nil {
		return nil, &exitError{exitInternal, err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/batches/"+batchID+"/files", &buf)
	if err != nil {
		return nil, &exitError{exitInternal, err.Error()}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	var rec model.FileRecord
	if err := doRequest(req, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return &exitError{exitInternal, err.Error()}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+path, bytes.NewReader(data))
	if err != nil {
		return &exitError{exitInternal, err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(req, out)
}

func getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+path, nil)
	if err != nil {
		return &exitError{exitInternal, err.Error()}
	}
	return doRequest(req, out)
}

func getRaw(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serverURL+path, nil)
	if err != nil {
		return nil, &exitError{exitInternal, err.Error()}
	}
	resp, err := httpClient().Do(req)
	if err != nil {
		return nil, &exitError{exitTransient, fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &exitError{exitTransient, fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode >= 400 {
		return nil, statusError(resp.StatusCode, string(body))
	}
	return body, nil
}

func doRequest(req *http.Request, out any) error {
	resp, err := httpClient().Do(req)
	if err != nil {
		return &exitError{exitTransient, fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &exitError{exitTransient, fmt.Sprintf("read response: %v", err)}
	}
	if resp.StatusCode >= 400 {
		return statusError(resp.StatusCode, string(body))
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return &exitError{exitInternal, fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}

func statusError(code int, body string) error {
	msg := fmt.Sprintf("%s (HTTP %d)", strings.TrimSpace(body), code)
	switch {
	case code == http.StatusNotFound:
		return &exitError{exitNotFound, msg}
	case code >= 500:
		return &exitError{exitInternal, msg}
	default:
		return &exitError{exitValidation, msg}
	}
}

func printIndented(raw json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return &exitError{exitInternal, err.Error()}
	}
	fmt.Println(buf.String())
	return nil
}
