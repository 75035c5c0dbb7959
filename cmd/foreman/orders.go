package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/runefall/foreman/internal/api"
	"github.com/runefall/foreman/internal/workorder"
)

var (
	createObjective string
	createCriteria  []string
	createTags      []string
	createExecutor  string
	createReady     bool
)

func init() {
	createCmd.Flags().StringVar(&createObjective, "objective", "", "what the work order should accomplish")
	createCmd.Flags().StringArrayVar(&createCriteria, "criterion", nil, "acceptance criterion (repeatable)")
	createCmd.Flags().StringArrayVar(&createTags, "tag", nil, "tool-filter tag (repeatable)")
	createCmd.Flags().StringVar(&createExecutor, "executor", "", "executor role")
	createCmd.Flags().BoolVar(&createReady, "ready", false, "queue for the next wave instead of creating a draft")
	createCmd.MarkFlagRequired("objective")
	createCmd.MarkFlagRequired("executor")
}

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a work order",
	RunE: func(cmd *cobra.Command, args []string) error {
		var order workorder.WorkOrder
		err := postToDaemon("/workorders", api.CreateRequest{
			Objective: createObjective,
			Criteria:  createCriteria,
			Tags:      createTags,
			Executor:  createExecutor,
			Ready:     createReady,
		}, &order)
		if err != nil {
			return err
		}
		fmt.Printf("created %s (%s)\n", order.ID, order.Status)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run <order-id>",
	Short: "Start execution of a ready work order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ack map[string]string
		if err := postToDaemon("/workorders/"+args[0]+"/run", nil, &ack); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", ack["status"], ack["id"])
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <order-id>",
	Short: "Resume a suspended work order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ack map[string]string
		if err := postToDaemon("/workorders/"+args[0]+"/resume", nil, &ack); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", ack["status"], ack["id"])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <order-id>",
	Short: "Show a work order's current state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var order workorder.WorkOrder
		if err := getFromDaemon("/workorders/"+args[0], &order); err != nil {
			return err
		}

		fmt.Printf("ID:        %s\n", order.ID)
		fmt.Printf("Status:    %s\n", order.Status)
		fmt.Printf("Executor:  %s\n", order.Executor)
		fmt.Printf("Objective: %s\n", order.Objective)
		if tier := order.Meta(workorder.MetaModelTier); tier != "" {
			fmt.Printf("Tier:      %s\n", tier)
		}
		for _, c := range order.Criteria {
			mark := " "
			if c.Met {
				mark = "x"
			}
			fmt.Printf("  [%s] %s\n", mark, c.Text)
		}
		if order.Summary != "" {
			fmt.Printf("Summary:   %s\n", order.Summary)
		}
		return nil
	},
}

var daemonHTTP = &http.Client{Timeout: 30 * time.Second}

func postToDaemon(path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	resp, err := daemonHTTP.Post(apiAddr+path, "application/json", reader)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", apiAddr, err)
	}
	return decodeDaemonResponse(resp, out)
}

func getFromDaemon(path string, out any) error {
	resp, err := daemonHTTP.Get(apiAddr + path)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", apiAddr, err)
	}
	return decodeDaemonResponse(resp, out)
}

func decodeDaemonResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
