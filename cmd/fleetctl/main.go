// Package main is fleetctl, the operator CLI for the controller's query and
// command HTTP surface. It is a thin HTTP client: every
// subcommand maps to one controller endpoint and prints the JSON response.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

var (
	controllerURL string
	httpClient    = &http.Client{Timeout: 30 * time.Second}
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleetctl",
		Short: "Operate the game-server fleet configuration controller",
		Long:  "fleetctl talks to a running controller's query/command HTTP surface: list instances, resolve policy, inspect drift, push rules, and drive deployments.",
	}
	cmd.PersistentFlags().StringVar(&controllerURL, "controller", "http://localhost:8282", "base URL of the controller's query API")

	cmd.AddCommand(
		instancesCmd(),
		resolveCmd(),
		driftCmd(),
		ruleCmd(),
		deploymentCmd(),
		watchCmd(),
	)
	return cmd
}

func instancesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "instances",
		Short: "List every instance in the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getAndPrint("/instances", nil)
		},
	}
}

func resolveCmd() *cobra.Command {
	var instance, configType, plugin, file, key string
	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve the effective expected value for one (instance, file, key) tuple",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("instance", instance)
			if configType != "" {
				q.Set("config_type", configType)
			}
			q.Set("plugin", plugin)
			q.Set("file", file)
			q.Set("key", key)
			return getAndPrint("/resolve", q)
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "instance id (required)")
	cmd.Flags().StringVar(&configType, "config-type", "standard", "plugin|standard|datapack")
	cmd.Flags().StringVar(&plugin, "plugin", "", "plugin name, empty for platform-level files")
	cmd.Flags().StringVar(&file, "file", "", "config file path (required)")
	cmd.Flags().StringVar(&key, "key", "", "dotted config key (required)")
	cmd.MarkFlagRequired("instance")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("key")
	return cmd
}

func driftCmd() *cobra.Command {
	var instance, host, since, sortBy, order string
	var page, perPage int
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Report drift items for an instance, a host, or everything since a timestamp",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if instance != "" {
				q.Set("instance", instance)
			}
			if host != "" {
				q.Set("host", host)
			}
			if since != "" {
				q.Set("since", since)
			}
			if cmd.Flags().Changed("page") || cmd.Flags().Changed("per-page") {
				q.Set("page", strconv.Itoa(page))
				q.Set("per_page", strconv.Itoa(perPage))
			}
			if sortBy != "" {
				q.Set("sort", sortBy)
			}
			if order != "" {
				q.Set("order", order)
			}
			return getAndPrint("/drift", q)
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "filter by instance id")
	cmd.Flags().StringVar(&host, "host", "", "filter by host")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 timestamp lower bound")
	cmd.Flags().IntVar(&page, "page", 1, "report page number")
	cmd.Flags().IntVar(&perPage, "per-page", 100, "items per report page (max 1000)")
	cmd.Flags().StringVar(&sortBy, "sort", "", "sort field: detected_at|severity|classification|instance_id|config_file")
	cmd.Flags().StringVar(&order, "order", "", "sort order: asc|desc")
	return cmd
}

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage policy rules",
	}
	cmd.AddCommand(ruleSetCmd())
	return cmd
}

func ruleSetCmd() *cobra.Command {
	var scope, selector, configType, plugin, file, key, value, valueType, createdBy string
	var securitySensitive bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Push a new active config rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"Scope":    scope,
				"Selector": selector,
				"Target": map[string]string{
					"ConfigType": configType,
					"PluginName": plugin,
					"ConfigFile": file,
					"ConfigKey":  key,
				},
				"Value":             value,
				"ValueType":         valueType,
				"CreatedBy":         createdBy,
				"SecuritySensitive": securitySensitive,
			}
			return postAndPrint("/rules", body)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "GLOBAL|SERVER|GROUP|TAG|INSTANCE (required)")
	cmd.Flags().StringVar(&selector, "selector", "", "scoped entity id, empty for GLOBAL")
	cmd.Flags().StringVar(&configType, "config-type", "standard", "plugin|standard|datapack")
	cmd.Flags().StringVar(&plugin, "plugin", "", "plugin name, empty for platform-level files")
	cmd.Flags().StringVar(&file, "file", "", "config file path (required)")
	cmd.Flags().StringVar(&key, "key", "", "dotted config key (required)")
	cmd.Flags().StringVar(&value, "value", "", "literal value, may contain {{VARIABLE}} references (required)")
	cmd.Flags().StringVar(&valueType, "value-type", "string", "string|int|float|bool|list|map|required|optional")
	cmd.Flags().StringVar(&createdBy, "created-by", "fleetctl", "audit column: who authored this rule")
	cmd.Flags().BoolVar(&securitySensitive, "security-sensitive", false, "elevate UNEXPECTED_DRIFT to error severity for this target")
	cmd.MarkFlagRequired("scope")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("value")
	return cmd
}

func deploymentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deployment",
		Short: "Plan, execute, and roll back deployments",
	}
	cmd.AddCommand(deploymentPlanCmd(), deploymentExecuteCmd(), deploymentRollbackCmd())
	return cmd
}

func deploymentPlanCmd() *cobra.Command {
	var instance, configType, plugin, file, key string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a deployment with a single change item",
		Long:  "Plan a deployment for one (instance, target) pair. Run this repeatedly and inspect the returned plan id; a richer change set is best built by scripting POST /deployments directly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"Items": []map[string]any{
					{
						"InstanceID": instance,
						"Target": map[string]string{
							"ConfigType": configType,
							"PluginName": plugin,
							"ConfigFile": file,
							"ConfigKey":  key,
						},
					},
				},
			}
			return postAndPrint("/deployments", body)
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "instance id (required)")
	cmd.Flags().StringVar(&configType, "config-type", "standard", "plugin|standard|datapack")
	cmd.Flags().StringVar(&plugin, "plugin", "", "plugin name, empty for platform-level files")
	cmd.Flags().StringVar(&file, "file", "", "config file path (required)")
	cmd.Flags().StringVar(&key, "key", "", "dotted config key (required)")
	cmd.MarkFlagRequired("instance")
	cmd.MarkFlagRequired("file")
	cmd.MarkFlagRequired("key")
	return cmd
}

func deploymentExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <deployment-id>",
		Short: "Execute a planned deployment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(fmt.Sprintf("/deployments/%s/execute", args[0]), nil)
		},
	}
}

func deploymentRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <deployment-id>",
		Short: "Roll back a deployment to its pre-deployment state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return postAndPrint(fmt.Sprintf("/deployments/%s/rollback", args[0]), nil)
		},
	}
}

// watchCmd streams the controller's live event feed (drift findings,
// deployment state changes, agent heartbeats) over its websocket endpoint,
// printing one JSON event per line until interrupted.
func watchCmd() *cobra.Command {
	var instance, host, eventTypes string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live drift/deployment/heartbeat events",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if instance != "" {
				q.Set("instance", instance)
			}
			if host != "" {
				q.Set("host", host)
			}
			if eventTypes != "" {
				q.Set("type", eventTypes)
			}
			return watchEvents(q)
		},
	}
	cmd.Flags().StringVar(&instance, "instance", "", "comma-separated instance ids to follow")
	cmd.Flags().StringVar(&host, "host", "", "comma-separated hosts to follow")
	cmd.Flags().StringVar(&eventTypes, "type", "", "comma-separated event types, e.g. drift_detected,deployment_state_changed")
	return cmd
}

func watchEvents(query url.Values) error {
	u, err := url.Parse(controllerURL)
	if err != nil {
		return fmt.Errorf("fleetctl: parsing controller URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/events"
	u.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("fleetctl: connecting to %s: %w", u.String(), err)
	}
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("fleetctl: event stream closed: %w", err)
		}
		fmt.Println(string(data))
	}
}

func getAndPrint(path string, query url.Values) error {
	u := controllerURL + path
	if query != nil {
		u += "?" + query.Encode()
	}
	resp, err := httpClient.Get(u)
	if err != nil {
		return fmt.Errorf("fleetctl: GET %s: %w", path, err)
	}
	return printResponse(resp)
}

func postAndPrint(path string, body any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := httpClient.Post(controllerURL+path, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("fleetctl: POST %s: %w", path, err)
	}
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("controller returned %d: %s", resp.StatusCode, string(data))
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}
	return nil
}
