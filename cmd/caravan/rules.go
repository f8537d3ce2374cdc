package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fieldworks/caravan/internal/rules"
	"github.com/fieldworks/caravan/internal/types"
	"github.com/fieldworks/caravan/internal/ui"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage priority rules",
	Long: `Priority rules adjust queue scores based on payload contents. A rule
applies to one entity kind; its score modifier (plus any matching
condition modifiers) is added when the rule matches.

Rules live in the local store. Teams share them as TOML or YAML
documents via 'caravan rules export' and 'caravan rules import'.`,
}

var rulesCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a priority rule",
	Long: `Creates a rule. Conditions are field:OPERATOR:value triples against
payload fields (dotted paths reach nested records); a rule with no
conditions always applies to its kind.

  caravan rules create "escalate injuries" --kind INCIDENT --modifier 25 \
    --condition "details.injuries:GREATER_THAN:0"

Operators: EQUALS, GREATER_THAN, CONTAINS, IN_ARRAY. For per-condition
modifiers, import a rule document instead.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		kindArg, _ := cmd.Flags().GetString("kind")
		modifier, _ := cmd.Flags().GetInt("modifier")
		condArgs, _ := cmd.Flags().GetStringArray("condition")
		inactive, _ := cmd.Flags().GetBool("inactive")

		kind := types.EntityKind(strings.ToUpper(kindArg))
		if !kind.IsValid() {
			fmt.Fprintf(os.Stderr, "Error: invalid entity kind %q\n", kindArg)
			os.Exit(1)
		}

		conditions := make([]types.Condition, 0, len(condArgs))
		for _, raw := range condArgs {
			cond, err := parseCondition(raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			conditions = append(conditions, cond)
		}

		rule := &types.PriorityRule{
			Name:          name,
			EntityKind:    kind,
			Conditions:    conditions,
			ScoreModifier: modifier,
			Active:        !inactive,
			CreatedBy:     resolveActor(),
		}

		store, err := openStore(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		if err := rules.New(store).CreateRule(rootCtx, rule); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(rule)
			return
		}
		fmt.Printf("%s Created %s\n", ui.RenderPassIcon(), rule.ID)
		renderRuleDetail(rule)
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List priority rules",
	Run: func(cmd *cobra.Command, args []string) {
		filter := types.RuleFilter{}
		if kindArg, _ := cmd.Flags().GetString("kind"); kindArg != "" {
			kind := types.EntityKind(strings.ToUpper(kindArg))
			if !kind.IsValid() {
				fmt.Fprintf(os.Stderr, "Error: invalid entity kind %q\n", kindArg)
				os.Exit(1)
			}
			filter.Kind = &kind
		}
		filter.ActiveOnly, _ = cmd.Flags().GetBool("active")

		store, err := openStore(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		list, err := rules.New(store).ListRules(rootCtx, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(list)
			return
		}
		renderRules(list)
	},
}

var rulesShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show one rule",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		rule, err := rules.New(store).GetRule(rootCtx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(rule)
			return
		}
		renderRuleDetail(rule)
	},
}

var rulesToggleCmd = &cobra.Command{
	Use:   "toggle ID",
	Short: "Flip a rule between active and inactive",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		active, err := rules.New(store).ToggleActive(rootCtx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"id": args[0], "active": active})
			return
		}
		if active {
			fmt.Printf("%s %s is now active\n", ui.RenderPassIcon(), args[0])
		} else {
			fmt.Printf("%s %s is now inactive\n", ui.RenderPassIcon(), args[0])
		}
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete ID",
	Short: "Delete a rule",
	Long: `Deletes a rule. Already-queued items keep their scores until
something rescores them; new enqueues stop seeing the rule immediately.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		if err := rules.New(store).DeleteRule(rootCtx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]string{"deleted": args[0]})
			return
		}
		fmt.Printf("%s Deleted %s\n", ui.RenderPassIcon(), args[0])
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Import rules from a TOML or YAML document",
	Long: `Imports every rule in the document; format follows the file
extension. Rules with IDs already in the store are updated in place,
everything else is created. This is how regional coordinators ship
rule sets to field workspaces.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		store, err := openStore(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		n, err := rules.New(store).ImportFile(rootCtx, args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"imported": n, "file": args[0]})
			return
		}
		fmt.Printf("%s Imported %d rules from %s\n", ui.RenderPassIcon(), n, args[0])
	},
}

var rulesExportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Export rules to a TOML or YAML document",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		filter := types.RuleFilter{}
		if kindArg, _ := cmd.Flags().GetString("kind"); kindArg != "" {
			kind := types.EntityKind(strings.ToUpper(kindArg))
			if !kind.IsValid() {
				fmt.Fprintf(os.Stderr, "Error: invalid entity kind %q\n", kindArg)
				os.Exit(1)
			}
			filter.Kind = &kind
		}
		filter.ActiveOnly, _ = cmd.Flags().GetBool("active")

		store, err := openStore(rootCtx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer func() { _ = store.Close() }()

		n, err := rules.New(store).ExportFile(rootCtx, args[0], filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			outputJSON(map[string]interface{}{"exported": n, "file": args[0]})
			return
		}
		fmt.Printf("%s Exported %d rules to %s\n", ui.RenderPassIcon(), n, args[0])
	},
}

// parseCondition parses "field:OPERATOR:value". The value is parsed as
// JSON when it looks like it (numbers, bools, arrays), else taken as a
// string; IN_ARRAY takes a JSON array.
func parseCondition(raw string) (types.Condition, error) {
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 {
		return types.Condition{}, fmt.Errorf("invalid condition %q (want field:OPERATOR:value)", raw)
	}

	op := types.Operator(strings.ToUpper(parts[1]))
	if !op.IsValid() {
		return types.Condition{}, fmt.Errorf("invalid operator %q", parts[1])
	}

	var value any
	if err := json.Unmarshal([]byte(parts[2]), &value); err != nil {
		value = parts[2]
	}

	return types.Condition{Field: parts[0], Operator: op, Value: value}, nil
}

func init() {
	rulesCreateCmd.Flags().String("kind", "", "Entity kind the rule applies to (required)")
	rulesCreateCmd.Flags().Int("modifier", 0, "Score delta when the rule matches")
	rulesCreateCmd.Flags().StringArray("condition", nil, "field:OPERATOR:value (repeatable)")
	rulesCreateCmd.Flags().Bool("inactive", false, "Create the rule disabled")
	_ = rulesCreateCmd.MarkFlagRequired("kind")

	rulesListCmd.Flags().String("kind", "", "Filter by entity kind")
	rulesListCmd.Flags().Bool("active", false, "Only active rules")

	rulesExportCmd.Flags().String("kind", "", "Export only this entity kind")
	rulesExportCmd.Flags().Bool("active", false, "Export only active rules")

	rulesCmd.AddCommand(rulesCreateCmd, rulesListCmd, rulesShowCmd, rulesToggleCmd, rulesDeleteCmd, rulesImportCmd, rulesExportCmd)
	rootCmd.AddCommand(rulesCmd)
}
