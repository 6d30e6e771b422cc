package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fentz26/kaiba/internal/controlplane"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/spf13/cobra"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Manage webhook subscriptions",
}

var webhookAddCmd = &cobra.Command{
	Use:   "add [persona-id] [url]",
	Short: "Subscribe a URL to a persona's events",
	Args:  cobra.ExactArgs(2),
	RunE:  runWebhookAdd,
}

var webhookListCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhook subscriptions",
	RunE:  runWebhookList,
}

var webhookUpdateCmd = &cobra.Command{
	Use:   "update [webhook-id]",
	Short: "Change a webhook subscription",
	Args:  cobra.ExactArgs(1),
	RunE:  runWebhookUpdate,
}

var webhookEnableCmd = &cobra.Command{
	Use:   "enable [webhook-id]",
	Short: "Enable a webhook subscription",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setWebhookEnabled(args[0], "enable")
	},
}

var webhookDisableCmd = &cobra.Command{
	Use:   "disable [webhook-id]",
	Short: "Disable a webhook subscription; pending retries are cancelled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setWebhookEnabled(args[0], "disable")
	},
}

var webhookDeleteCmd = &cobra.Command{
	Use:   "delete [webhook-id]",
	Short: "Delete a webhook subscription",
	Args:  cobra.ExactArgs(1),
	RunE:  runWebhookDelete,
}

var webhookDeliveriesCmd = &cobra.Command{
	Use:   "deliveries [webhook-id]",
	Short: "Show recent deliveries of a webhook",
	Args:  cobra.ExactArgs(1),
	RunE:  runWebhookDeliveries,
}

var webhookTestCmd = &cobra.Command{
	Use:   "test [webhook-id]",
	Short: "Send a webhook_test event",
	Args:  cobra.ExactArgs(1),
	RunE:  runWebhookTest,
}

var (
	webhookName     string
	webhookSecret   string
	webhookEvents   []string
	webhookHeaders  map[string]string
	webhookRetries  int
	webhookTimeout  time.Duration
	webhookFormat   string
	webhookURL      string
	webhookPersona  string
	webhookDisabled bool
	webhookNoSecret bool
	deliveriesLimit int
)

func init() {
	webhookCmd.AddCommand(webhookAddCmd, webhookListCmd, webhookUpdateCmd, webhookEnableCmd,
		webhookDisableCmd, webhookDeleteCmd, webhookDeliveriesCmd, webhookTestCmd)

	for _, c := range []*cobra.Command{webhookAddCmd, webhookUpdateCmd} {
		c.Flags().StringVar(&webhookName, "name", "", "Display name")
		c.Flags().StringVar(&webhookSecret, "secret", "", "HMAC-SHA256 signing secret")
		c.Flags().StringSliceVar(&webhookEvents, "event", nil, "Event to receive (repeatable, default all)")
		c.Flags().StringToStringVar(&webhookHeaders, "header", nil, "Extra request header as key=value (repeatable)")
		c.Flags().IntVar(&webhookRetries, "max-retries", models.DefaultMaxRetries, "Retries after the first attempt")
		c.Flags().DurationVar(&webhookTimeout, "timeout", models.DefaultTimeoutMs*time.Millisecond, "Per-attempt timeout")
		c.Flags().StringVar(&webhookFormat, "format", "", "Payload format: raw, github_issue, slack or discord")
	}
	webhookAddCmd.Flags().BoolVar(&webhookDisabled, "disabled", false, "Create the subscription disabled")
	webhookUpdateCmd.Flags().StringVar(&webhookURL, "url", "", "New endpoint URL")
	webhookUpdateCmd.Flags().BoolVar(&webhookNoSecret, "no-secret", false, "Remove the signing secret")

	webhookListCmd.Flags().StringVar(&webhookPersona, "persona", "", "Only show subscriptions of this persona")
	webhookDeliveriesCmd.Flags().IntVar(&deliveriesLimit, "limit", 20, "Number of deliveries")
}

func runWebhookAdd(cmd *cobra.Command, args []string) error {
	enabled := !webhookDisabled
	timeoutMs := int(webhookTimeout / time.Millisecond)
	in := controlplane.WebhookInput{
		PersonaID:     args[0],
		Name:          webhookName,
		URL:           args[1],
		Secret:        webhookSecret,
		Enabled:       &enabled,
		Events:        webhookEvents,
		Headers:       webhookHeaders,
		MaxRetries:    &webhookRetries,
		TimeoutMs:     &timeoutMs,
		PayloadFormat: webhookFormat,
	}
	var v controlplane.WebhookView
	if err := apiPost("/webhooks", in, &v); err != nil {
		return err
	}
	fmt.Printf("Created webhook: %s → %s\n", titleStyle.Render(v.ID), v.URL)
	field("Events", strings.Join(v.Events, ", "))
	field("Signed", v.HasSecret)
	return nil
}

func runWebhookList(cmd *cobra.Command, args []string) error {
	path := "/webhooks"
	if webhookPersona != "" {
		path += "?persona_id=" + webhookPersona
	}
	var hooks []controlplane.WebhookView
	if err := apiGet(path, &hooks); err != nil {
		return err
	}
	if len(hooks) == 0 {
		fmt.Println("No webhooks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPERSONA\tURL\tEVENTS\tSIGNED\tSTATE")
	for _, h := range hooks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n", truncateID(h.ID), h.PersonaID, truncate(h.URL, 40),
			truncate(strings.Join(h.Events, ","), 30), h.HasSecret, enabledLabel(h.Enabled))
	}
	return w.Flush()
}

func runWebhookUpdate(cmd *cobra.Command, args []string) error {
	var patch controlplane.WebhookPatch
	flags := cmd.Flags()
	if flags.Changed("name") {
		patch.Name = &webhookName
	}
	if flags.Changed("url") {
		patch.URL = &webhookURL
	}
	switch {
	case webhookNoSecret:
		empty := ""
		patch.Secret = &empty
	case flags.Changed("secret"):
		patch.Secret = &webhookSecret
	}
	if flags.Changed("event") {
		patch.Events = webhookEvents
	}
	if flags.Changed("header") {
		patch.Headers = &webhookHeaders
	}
	if flags.Changed("max-retries") {
		patch.MaxRetries = &webhookRetries
	}
	if flags.Changed("timeout") {
		ms := int(webhookTimeout / time.Millisecond)
		patch.TimeoutMs = &ms
	}
	if flags.Changed("format") {
		patch.PayloadFormat = &webhookFormat
	}

	var v controlplane.WebhookView
	if err := apiDo(apiClient, http.MethodPatch, "/webhooks/"+args[0], patch, &v); err != nil {
		return err
	}
	fmt.Printf("Updated webhook %s\n", v.ID)
	return nil
}

func setWebhookEnabled(id, action string) error {
	var v controlplane.WebhookView
	if err := apiPost("/webhooks/"+id+"/"+action, nil, &v); err != nil {
		return err
	}
	fmt.Printf("Webhook %s is %s\n", v.ID, enabledLabel(v.Enabled))
	return nil
}

func runWebhookDelete(cmd *cobra.Command, args []string) error {
	if err := apiDo(apiClient, http.MethodDelete, "/webhooks/"+args[0], nil, nil); err != nil {
		return err
	}
	fmt.Printf("Deleted webhook %s\n", args[0])
	return nil
}

func runWebhookDeliveries(cmd *cobra.Command, args []string) error {
	var deliveries []models.Delivery
	if err := apiGet(fmt.Sprintf("/webhooks/%s/deliveries?limit=%d", args[0], deliveriesLimit), &deliveries); err != nil {
		return err
	}
	if len(deliveries) == 0 {
		fmt.Println("No deliveries yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tEVENT\tATTEMPTS\tCODE\tERROR\tSTATUS")
	for _, d := range deliveries {
		code := "-"
		if d.StatusCode != 0 {
			code = fmt.Sprint(d.StatusCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", truncateID(d.ID), d.CreatedAt.Local().Format(time.DateTime),
			d.Event, d.Attempts, code, truncate(d.LastError, 40), deliveryStyle(d.Status).Render(string(d.Status)))
	}
	return w.Flush()
}

func runWebhookTest(cmd *cobra.Command, args []string) error {
	var d models.Delivery
	if err := apiPost("/webhooks/"+args[0]+"/test", nil, &d); err != nil {
		return err
	}
	fmt.Printf("Queued test delivery %s (%s)\n", d.ID, deliveryStyle(d.Status).Render(string(d.Status)))
	fmt.Println(mutedStyle.Render("follow it with: kaiba webhook deliveries " + args[0]))
	return nil
}
