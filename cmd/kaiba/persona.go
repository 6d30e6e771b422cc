package main

import (
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fentz26/kaiba/internal/controlplane"
	"github.com/fentz26/kaiba/internal/models"
	"github.com/spf13/cobra"
)

var personaCmd = &cobra.Command{
	Use:   "persona",
	Short: "Manage personas",
}

var personaCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a persona",
	RunE:  runPersonaCreate,
}

var personaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List personas",
	RunE:  runPersonaList,
}

var personaShowCmd = &cobra.Command{
	Use:   "show [persona-id]",
	Short: "Show a persona with its state and backends",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonaShow,
}

var personaStateCmd = &cobra.Command{
	Use:   "state [persona-id]",
	Short: "Show or change a persona's resources",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonaState,
}

var personaLinkCmd = &cobra.Command{
	Use:   "link [persona-id] [backend-id]",
	Short: "Make a backend a candidate for a persona",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersonaLink,
}

var personaUnlinkCmd = &cobra.Command{
	Use:   "unlink [persona-id] [backend-id]",
	Short: "Remove a backend from a persona",
	Args:  cobra.ExactArgs(2),
	RunE:  runPersonaUnlink,
}

var personaDeleteCmd = &cobra.Command{
	Use:   "delete [persona-id]",
	Short: "Delete a persona",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonaDelete,
}

var personaDecisionsCmd = &cobra.Command{
	Use:   "decisions [persona-id]",
	Short: "Show the decision audit trail of a persona",
	Args:  cobra.ExactArgs(1),
	RunE:  runPersonaDecisions,
}

var (
	personaID          string
	personaName        string
	personaRole        string
	personaAvatar      string
	personaInterests   []string
	personaTopics      []string
	personaCuriosities []string
	personaPersonality string

	stateBudget      int
	stateEnergy      int
	stateRegen       int
	stateResetTokens bool

	decisionsLimit int
)

func init() {
	personaCmd.AddCommand(personaCreateCmd, personaListCmd, personaShowCmd, personaStateCmd,
		personaLinkCmd, personaUnlinkCmd, personaDeleteCmd, personaDecisionsCmd)

	personaCreateCmd.Flags().StringVar(&personaID, "id", "", "Persona ID (generated when empty)")
	personaCreateCmd.Flags().StringVar(&personaName, "name", "", "Display name (required)")
	personaCreateCmd.Flags().StringVar(&personaRole, "role", "", "Role, used for learning queries when no interests are set")
	personaCreateCmd.Flags().StringVar(&personaAvatar, "avatar", "", "Avatar URL")
	personaCreateCmd.Flags().StringVar(&personaPersonality, "personality", "", "Personality description")
	personaCreateCmd.Flags().StringSliceVar(&personaInterests, "interest", nil, "Interest (repeatable)")
	personaCreateCmd.Flags().StringSliceVar(&personaTopics, "topic", nil, "Learning topic (repeatable)")
	personaCreateCmd.Flags().StringSliceVar(&personaCuriosities, "curiosity", nil, "Curiosity (repeatable)")
	personaCreateCmd.MarkFlagRequired("name")

	personaStateCmd.Flags().IntVar(&stateBudget, "budget", -1, "Set the token budget")
	personaStateCmd.Flags().IntVar(&stateEnergy, "energy", -1, "Set the energy level (0-100)")
	personaStateCmd.Flags().IntVar(&stateRegen, "regen", -1, "Set the energy regeneration per hour")
	personaStateCmd.Flags().BoolVar(&stateResetTokens, "reset-tokens", false, "Reset the tokens used to zero")

	personaDecisionsCmd.Flags().IntVar(&decisionsLimit, "limit", 20, "Number of records")
}

func runPersonaCreate(cmd *cobra.Command, args []string) error {
	in := controlplane.CreatePersonaInput{
		ID:        personaID,
		Name:      personaName,
		Role:      personaRole,
		AvatarURL: personaAvatar,
		Manifest: models.Manifest{
			Personality:    personaPersonality,
			Interests:      personaInterests,
			LearningTopics: personaTopics,
			Curiosities:    personaCuriosities,
		},
	}
	var p models.Persona
	if err := apiPost("/personas", in, &p); err != nil {
		return err
	}
	fmt.Printf("Created persona: %s (%s)\n", titleStyle.Render(p.Name), p.ID)
	return nil
}

func runPersonaList(cmd *cobra.Command, args []string) error {
	var personas []models.Persona
	if err := apiGet("/personas", &personas); err != nil {
		return err
	}
	if len(personas) == 0 {
		fmt.Println("No personas found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tROLE\tCREATED")
	for _, p := range personas {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, truncate(p.Name, 24), truncate(p.Role, 30), p.CreatedAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}

func runPersonaShow(cmd *cobra.Command, args []string) error {
	id := args[0]
	var p models.Persona
	if err := apiGet("/personas/"+id, &p); err != nil {
		return err
	}
	var st controlplane.StateView
	if err := apiGet("/personas/"+id+"/state", &st); err != nil {
		return err
	}
	var backends []models.Backend
	if err := apiGet("/personas/"+id+"/backends", &backends); err != nil {
		return err
	}

	fmt.Println(titleStyle.Render(p.Name))
	field("ID", p.ID)
	field("Role", p.Role)
	if p.Manifest.Personality != "" {
		field("Personality", truncate(p.Manifest.Personality, 60))
	}
	if len(p.Manifest.Interests) > 0 {
		field("Interests", p.Manifest.Interests)
	}
	if len(p.Manifest.LearningTopics) > 0 {
		field("Topics", p.Manifest.LearningTopics)
	}
	if len(p.Manifest.Curiosities) > 0 {
		field("Curiosities", p.Manifest.Curiosities)
	}
	fmt.Println()
	printState(st)

	fmt.Println()
	if len(backends) == 0 {
		fmt.Println(warningStyle.Render("No backends linked: every tick will rest."))
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BACKEND\tPROVIDER\tMODEL\tPRIORITY\tFALLBACK")
	for _, b := range backends {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\n", b.ID, b.Provider, b.ModelID, b.Priority, b.IsFallback)
	}
	return w.Flush()
}

func printState(st controlplane.StateView) {
	field("Energy", energyBar(st.LiveEnergy))
	field("Mood", st.LiveMood)
	field("Tokens", fmt.Sprintf("%d / %d remaining", st.TokensRemaining, st.TokenBudget))
	field("Regen", fmt.Sprintf("%d/h", st.EnergyRegenPerHour))
	field("Last learn", timeOrNever(st.LastLearnAt))
	field("Last digest", timeOrNever(st.LastDigestAt))
	field("Version", st.Version)
}

func timeOrNever(t *time.Time) string {
	if t == nil {
		return mutedStyle.Render("never")
	}
	return t.Local().Format(time.DateTime)
}

func runPersonaState(cmd *cobra.Command, args []string) error {
	id := args[0]
	var u controlplane.StateUpdate
	changed := false
	if cmd.Flags().Changed("budget") {
		u.TokenBudget = &stateBudget
		changed = true
	}
	if cmd.Flags().Changed("energy") {
		u.EnergyLevel = &stateEnergy
		changed = true
	}
	if cmd.Flags().Changed("regen") {
		u.EnergyRegenPerHour = &stateRegen
		changed = true
	}
	if stateResetTokens {
		u.ResetTokensUsed = true
		changed = true
	}

	var st controlplane.StateView
	if changed {
		if err := apiDo(apiClient, http.MethodPatch, "/personas/"+id+"/state", u, &st); err != nil {
			return err
		}
	} else if err := apiGet("/personas/"+id+"/state", &st); err != nil {
		return err
	}
	printState(st)
	return nil
}

func runPersonaLink(cmd *cobra.Command, args []string) error {
	if err := apiPost("/personas/"+args[0]+"/backends", map[string]string{"backend_id": args[1]}, nil); err != nil {
		return err
	}
	fmt.Printf("Linked backend %s to persona %s\n", args[1], args[0])
	return nil
}

func runPersonaUnlink(cmd *cobra.Command, args []string) error {
	if err := apiDo(apiClient, http.MethodDelete, "/personas/"+args[0]+"/backends/"+args[1], nil, nil); err != nil {
		return err
	}
	fmt.Printf("Unlinked backend %s from persona %s\n", args[1], args[0])
	return nil
}

func runPersonaDelete(cmd *cobra.Command, args []string) error {
	if err := apiDo(apiClient, http.MethodDelete, "/personas/"+args[0], nil, nil); err != nil {
		return err
	}
	fmt.Printf("Deleted persona %s\n", args[0])
	return nil
}

func runPersonaDecisions(cmd *cobra.Command, args []string) error {
	var entries []models.PDREntry
	if err := apiGet(fmt.Sprintf("/personas/%s/decisions?limit=%d", args[0], decisionsLimit), &entries); err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No decisions recorded")
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tINPUTS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Local().Format(time.DateTime), e.Action, e.Outcome, truncateID(e.InputsHash))
	}
	return w.Flush()
}
