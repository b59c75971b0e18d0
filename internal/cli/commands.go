package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/smolin/medvault/internal/common"
	"github.com/smolin/medvault/internal/conflict"
	"github.com/smolin/medvault/internal/record"
)

// parseAssignments turns "field=value" arguments into a field map.
// Values parse as bool, then number, then fall back to string.
func parseAssignments(args []string) (record.Fields, error) {
	fields := record.Fields{}
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		switch {
		case raw == "null":
			fields[name] = record.Null()
		case raw == "true" || raw == "false":
			fields[name] = record.Bool(raw == "true")
		default:
			if n, err := strconv.ParseFloat(raw, 64); err == nil {
				fields[name] = record.Number(n)
			} else {
				fields[name] = record.String(raw)
			}
		}
	}
	return fields, nil
}

func printDocument(id string, fields record.Fields) {
	printlnFn(fmt.Sprintf("%s:", id))
	names := fields.Keys()
	sort.Strings(names)
	for _, name := range names {
		printlnFn(fmt.Sprintf("  %s = %s", name, fields[name].StringForm()))
	}
}

// Get shows one record.
func (a *App) Get(ctx context.Context, id string) error {
	doc, err := a.facade.Read(ctx, id)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			printlnFn("Not found:", id)
		} else {
			printlnFn("Error:", err)
		}
		return err
	}
	printDocument(id, doc.Fields)
	return nil
}

// Set creates or updates a record, merging the assignments over the
// current content when the record already exists somewhere.
func (a *App) Set(ctx context.Context, id string, assignments []string) error {
	updates, err := parseAssignments(assignments)
	if err != nil {
		printlnFn("Error:", err)
		return err
	}

	fields := record.Fields{}
	if doc, rerr := a.facade.Read(ctx, id); rerr == nil {
		fields = doc.Fields.Clone()
	}
	for name, v := range updates {
		if v.IsNull() {
			delete(fields, name)
			continue
		}
		fields[name] = v
	}

	res, err := a.facade.Write(ctx, id, fields)
	if err != nil {
		printlnFn("Error:", err)
		return err
	}

	if res.Conflict != nil {
		printlnFn(fmt.Sprintf("Conflict detected (%s); run 'conflicts' to review", res.Conflict.ID))
		return nil
	}
	if !res.Remote {
		printlnFn("Saved locally; will not reach the server until it is back")
		return nil
	}
	printlnFn("Saved.")
	return nil
}

// List prints the records of the collection.
func (a *App) List(ctx context.Context) error {
	records, err := a.facade.QueryRecords(ctx, nil, a.config.DefaultTTL)
	if err != nil {
		printlnFn("Error:", err)
		return err
	}
	if len(records) == 0 {
		printlnFn("No records.")
		return nil
	}
	for _, r := range records {
		printDocument(r.ID, r.Fields)
	}
	return nil
}

// Delete removes a record from every tier.
func (a *App) Delete(ctx context.Context, id string) error {
	if err := a.facade.Delete(ctx, id); err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Deleted", id)
	return nil
}

// Conflicts lists pending conflicts and marks them presented, moving
// them into the resolvable state.
func (a *App) Conflicts(ctx context.Context) error {
	pending := a.conflicts.Pending()
	if len(pending) == 0 {
		printlnFn("No pending conflicts.")
		return nil
	}
	for _, item := range pending {
		printlnFn(fmt.Sprintf("%s record=%s fields=%v detected=%s",
			item.ID, item.RecordID, item.Data.ConflictingFields,
			item.DetectedAt.Format("15:04:05")))
		printlnFn("  local:")
		for _, f := range item.Data.ConflictingFields {
			printlnFn(fmt.Sprintf("    %s = %s", f, item.Data.Local[f].StringForm()))
		}
		printlnFn("  remote:")
		for _, f := range item.Data.ConflictingFields {
			printlnFn(fmt.Sprintf("    %s = %s", f, item.Data.Remote[f].StringForm()))
		}
		if item.State == conflict.StateDetected {
			if err := a.conflicts.MarkPresented(item.ID); err != nil {
				printlnFn("Error:", err)
			}
		}
	}
	return nil
}

// Resolve applies a strategy to one pending conflict. The merge
// strategy prompts per conflicting field.
func (a *App) Resolve(ctx context.Context, conflictID, strategy string) error {
	var strat conflict.Strategy
	switch strategy {
	case "local":
		strat = conflict.UseLocal
	case "remote":
		strat = conflict.UseRemote
	case "merge":
		strat = conflict.Merge
	default:
		err := fmt.Errorf("unknown strategy %q", strategy)
		printlnFn("Error:", err)
		return err
	}

	var choices map[string]conflict.Side
	if strat == conflict.Merge {
		item, ok := a.conflicts.Get(conflictID)
		if !ok {
			err := fmt.Errorf("unknown conflict %s", conflictID)
			printlnFn("Error:", err)
			return err
		}
		choices = make(map[string]conflict.Side, len(item.Data.ConflictingFields))
		for _, f := range item.Data.ConflictingFields {
			prompt := fmt.Sprintf("%s: local=%s remote=%s — keep which? (local/remote)",
				f, item.Data.Local[f].StringForm(), item.Data.Remote[f].StringForm())
			answer, err := GetSimpleText(a.reader, prompt, os.Stdout)
			if err != nil {
				return err
			}
			switch answer {
			case "local":
				choices[f] = conflict.SideLocal
			case "remote":
				choices[f] = conflict.SideRemote
			default:
				err := fmt.Errorf("expected local or remote, got %q", answer)
				printlnFn("Error:", err)
				return err
			}
		}
	}

	recordID := conflictID
	if item, ok := a.conflicts.Get(conflictID); ok {
		recordID = item.RecordID
	}

	fields, err := a.facade.ResolveConflict(ctx, conflictID, strat, choices)
	if err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Resolved.")
	printDocument(recordID, fields)
	return nil
}

// RotateKey installs a fresh encryption key, keeping the previous one
// as backup so existing ciphertext stays readable.
func (a *App) RotateKey(ctx context.Context) error {
	if err := a.keys.Rotate(ctx); err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Key rotated; previous key kept as backup.")
	return nil
}

// Clear wipes the cache and local tiers for the collection.
func (a *App) Clear(ctx context.Context) error {
	if err := a.facade.ClearAll(ctx); err != nil {
		printlnFn("Error:", err)
		return err
	}
	printlnFn("Local data cleared.")
	return nil
}
