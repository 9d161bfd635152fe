package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loomd/internal/model"
	"github.com/loomhq/loomd/internal/reservation"
	"github.com/loomhq/loomd/internal/storage"
)

func builtinTools() []ToolHandler {
	return []ToolHandler{
		{Name: "ensure_project", Dispatch: handleEnsureProject},
		{Name: "register_agent", Dispatch: handleRegisterAgent},
		{Name: "create_message", Dispatch: handleCreateMessage},
		{Name: "fetch_inbox", ToolClass: "bulk_read", Dispatch: handleFetchInbox},
		{Name: "acknowledge", Dispatch: handleAcknowledge},
		{Name: "reserve_files", Dispatch: handleReserveFiles},
		{Name: "release_reservation", Dispatch: handleReleaseReservation},
		{Name: "search", ToolClass: "search", Dispatch: handleSearch},
	}
}

func handleEnsureProject(ctx context.Context, d *Dispatcher, args map[string]any) Envelope {
	key, _ := args["project_key"].(string)
	if key == "" {
		return fail(newToolError(KindInvalidAgentName, false, "project_key is required", nil))
	}

	proj, err := d.store.EnsureProject(ctx, key, "")
	if err != nil {
		return fail(classifyStoreError(err))
	}
	tagAuditProject(ctx, proj.ID)
	d.recordEvidence("dispatcher.ensure_project", "resolved", 1.0, map[string]any{"project_key": key, "slug": proj.Slug})
	return ok(map[string]any{"project": proj})
}

func handleRegisterAgent(ctx context.Context, d *Dispatcher, args map[string]any) Envelope {
	projectKey, _ := args["project_key"].(string)
	program, _ := args["program"].(string)
	modelName, _ := args["model"].(string)
	name, _ := args["name"].(string)

	if projectKey == "" || program == "" || modelName == "" {
		return fail(newToolError(KindInvalidAgentName, false, "project_key, program, and model are required", nil))
	}

	proj, err := d.store.GetProjectBySlugOrKey(ctx, projectKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			proj, err = d.store.EnsureProject(ctx, projectKey, "")
		}
		if err != nil {
			return fail(classifyStoreError(err))
		}
	}
	tagAuditProject(ctx, proj.ID)

	if name == "" {
		name = autoGenerateName(ctx, d, proj.ID)
	} else if toolErr := ValidateAgentName(name); toolErr != nil {
		d.recordEvidence("dispatcher.register_agent", "rejected", 1.0, map[string]any{"name": name, "kind": string(toolErr.Type)})
		return fail(toolErr)
	}

	var taskDesc *string
	if s, isStr := args["task_description"].(string); isStr && s != "" {
		taskDesc = &s
	}
	var caps []string
	if raw, isSlice := args["capabilities"].([]any); isSlice {
		for _, v := range raw {
			if s, isStr := v.(string); isStr {
				caps = append(caps, s)
			}
		}
	}

	agent, err := d.store.RegisterAgent(ctx, model.Agent{
		ProjectID:       proj.ID,
		Name:            name,
		Program:         program,
		Model:           modelName,
		TaskDescription: taskDesc,
		Capabilities:    caps,
	})
	if err != nil {
		if errors.Is(err, storage.ErrAgentNameTaken) {
			return fail(newToolError(KindConflict, true,
				fmt.Sprintf("agent name %q is already registered in this project", name), nil))
		}
		return fail(classifyStoreError(err))
	}

	tagAuditAgent(ctx, agent.ID)
	d.recordEvidence("dispatcher.register_agent", "registered", 1.0, map[string]any{"agent": agent.Name})
	return ok(map[string]any{"agent": agent})
}

// autoGenerateName tries successive GenerateName candidates until one isn't
// already registered in the project, matching spec.md §8 scenario 1's "the
// system likely auto-generated a valid name for you".
func autoGenerateName(ctx context.Context, d *Dispatcher, projectID int64) string {
	existing, err := d.store.AgentNamesInProject(ctx, projectID)
	taken := make(map[string]bool, len(existing))
	if err == nil {
		for _, n := range existing {
			taken[toLowerASCII(n)] = true
		}
	}
	for i := 0; i < len(adjectives)*len(nouns); i++ {
		candidate := GenerateName(i)
		if !taken[toLowerASCII(candidate)] {
			return candidate
		}
	}
	return GenerateName(0)
}

func handleCreateMessage(ctx context.Context, d *Dispatcher, args map[string]any) Envelope {
	projectKey, _ := args["project"].(string)
	senderName, _ := args["sender"].(string)
	subject, _ := args["subject"].(string)
	bodyMD, _ := args["body_md"].(string)

	if projectKey == "" || senderName == "" || subject == "" {
		return fail(newToolError(KindInvalidAgentName, false, "project, sender, and subject are required", nil))
	}
	if len(subject) > 200 {
		return fail(newToolError(KindInvalidAgentName, false, "subject exceeds 200 characters", nil))
	}
	if len(bodyMD) > 10000 {
		return fail(newToolError(KindInvalidAgentName, false, "body_md exceeds 10000 characters", nil))
	}

	proj, err := d.store.GetProjectBySlugOrKey(ctx, projectKey)
	if err != nil {
		return fail(classifyStoreError(err))
	}
	sender, err := d.store.GetAgentByName(ctx, proj.ID, senderName)
	if err != nil {
		return fail(classifyStoreError(err))
	}
	tagAuditProject(ctx, proj.ID)
	tagAuditAgent(ctx, sender.ID)

	if key, _ := args["idempotency_key"].(string); key != "" {
		return withIdempotency(ctx, d, proj.ID, sender.ID, "create_message", key, args, func() Envelope {
			return createMessageInner(ctx, d, proj, sender, subject, bodyMD, args)
		})
	}
	return createMessageInner(ctx, d, proj, sender, subject, bodyMD, args)
}

func createMessageInner(ctx context.Context, d *Dispatcher, proj model.Project, sender model.Agent, subject, bodyMD string, args map[string]any) Envelope {
	recipientsArg, _ := args["recipients"].([]any)
	if len(recipientsArg) == 0 {
		return fail(newToolError(KindInvalidAgentName, false, "at least one recipient is required", nil))
	}

	var recipients []model.MessageRecipient
	for _, raw := range recipientsArg {
		rm, isMap := raw.(map[string]any)
		if !isMap {
			continue
		}
		rName, _ := rm["name"].(string)
		role, _ := rm["role"].(string)
		if role == "" {
			role = string(model.RoleTo)
		}
		recipientAgent, err := d.store.GetAgentByName(ctx, proj.ID, rName)
		if err != nil {
			return fail(classifyStoreError(err))
		}
		recipients = append(recipients, model.MessageRecipient{AgentID: recipientAgent.ID, Role: model.RecipientRole(role)})
	}

	importance := model.ImportanceNormal
	if s, isStr := args["importance"].(string); isStr && model.ValidImportance(s) {
		importance = model.Importance(s)
	}
	ackRequired, _ := args["ack_required"].(bool)

	var threadID *string
	if s, isStr := args["thread_id"].(string); isStr && s != "" {
		if !ValidThreadID(s) {
			return fail(newToolError(KindInvalidAgentName, false, "thread_id has an invalid shape", nil))
		}
		threadID = &s
	}

	msg, err := d.store.CreateMessage(ctx, model.Message{
		ProjectID:   proj.ID,
		SenderID:    sender.ID,
		Subject:     subject,
		BodyMD:      bodyMD,
		ThreadID:    threadID,
		Importance:  importance,
		AckRequired: ackRequired,
		CreatedAt:   time.Now(),
		Recipients:  recipients,
	})
	if err != nil {
		return fail(classifyStoreError(err))
	}

	d.recordEvidence("dispatcher.create_message", "sent", 1.0, map[string]any{"message_id": msg.ID, "recipients": len(recipients)})
	d.publishDoc(model.Upsert(messageToDocument(msg)))
	return ok(map[string]any{"message": msg})
}

// messageToDocument projects a stored Message into the search document
// shape, concatenating subject and body as the indexed text.
func messageToDocument(m model.Message) model.Document {
	author := m.SenderID
	authorStr := fmt.Sprintf("%d", author)
	return model.Document{
		ID:         m.ID,
		Version:    m.CreatedAt.UnixMicro(),
		Text:       m.Subject + "\n" + m.BodyMD,
		Visibility: model.Visibility{ProjectID: m.ProjectID},
		Provenance: model.Provenance{SourceKind: model.DocKindMessage, SourceID: m.ID, Author: &authorStr},
		CreatedAt:  m.CreatedAt.UnixMicro(),
		Importance: m.Importance,
	}
}

func handleFetchInbox(ctx context.Context, d *Dispatcher, args map[string]any) Envelope {
	agentRef, _ := args["agent"].(string)
	projectKey, _ := args["project"].(string)
	if agentRef == "" || projectKey == "" {
		return fail(newToolError(KindInvalidAgentName, false, "project and agent are required", nil))
	}

	proj, err := d.store.GetProjectBySlugOrKey(ctx, projectKey)
	if err != nil {
		return fail(classifyStoreError(err))
	}
	agent, err := d.store.GetAgentByName(ctx, proj.ID, agentRef)
	if err != nil {
		return fail(classifyStoreError(err))
	}
	tagAuditProject(ctx, proj.ID)
	tagAuditAgent(ctx, agent.ID)

	var after *model.PageToken
	if pageArg, isMap := args["page"].(map[string]any); isMap {
		if afterID, isNum := pageArg["after_id"].(float64); isNum {
			after = &model.PageToken{AfterID: int64(afterID)}
		}
	}

	limit := 50
	if filtersArg, isMap := args["filters"].(map[string]any); isMap {
		if lim, isNum := filtersArg["limit"].(float64); isNum {
			limit = int(lim)
		}
	}

	messages, next, err := d.store.FetchInbox(ctx, agent.ID, model.QueryFilters{}, after, limit)
	if err != nil {
		return fail(classifyStoreError(err))
	}

	result := map[string]any{"messages": messages}
	if next != nil {
		result["next_page"] = next
	}
	return ok(result)
}

func handleAcknowledge(ctx context.Context, d *Dispatcher, args map[string]any) Envelope {
	projectKey, _ := args["project"].(string)
	agentRef, _ := args["agent"].(string)
	messageIDFloat, _ := args["message_id"].(float64)

	if projectKey == "" || agentRef == "" || messageIDFloat == 0 {
		return fail(newToolError(KindInvalidAgentName, false, "project, agent, and message_id are required", nil))
	}

	proj, err := d.store.GetProjectBySlugOrKey(ctx, projectKey)
	if err != nil {
		return fail(classifyStoreError(err))
	}
	agent, err := d.store.GetAgentByName(ctx, proj.ID, agentRef)
	if err != nil {
		return fail(classifyStoreError(err))
	}
	tagAuditProject(ctx, proj.ID)
	tagAuditAgent(ctx, agent.ID)

	if err := d.store.Acknowledge(ctx, int64(messageIDFloat), agent.ID, time.Now()); err != nil {
		return fail(classifyStoreError(err))
	}
	return ok(map[string]any{"ok": true})
}

func handleReserveFiles(ctx context.Context, d *Dispatcher, args map[string]any) Envelope {
	projectKey, _ := args["project"].(string)
	agentRef, _ := args["agent"].(string)
	if projectKey == "" || agentRef == "" {
		return fail(newToolError(KindInvalidAgentName, false, "project and agent are required", nil))
	}

	var patterns []string
	switch v := args["patterns"].(type) {
	case []any:
		for _, p := range v {
			if s, isStr := p.(string); isStr {
				patterns = append(patterns, s)
			}
		}
	case string:
		patterns = []string{v}
	}
	if len(patterns) == 0 {
		return fail(newToolError(KindInvalidAgentName, false, "patterns is required", nil))
	}

	proj, err := d.store.GetProjectBySlugOrKey(ctx, projectKey)
	if err != nil {
		return fail(classifyStoreError(err))
	}
	agent, err := d.store.GetAgentByName(ctx, proj.ID, agentRef)
	if err != nil {
		return fail(classifyStoreError(err))
	}
	tagAuditProject(ctx, proj.ID)
	tagAuditAgent(ctx, agent.ID)

	if key, _ := args["idempotency_key"].(string); key != "" {
		return withIdempotency(ctx, d, proj.ID, agent.ID, "reserve_files", key, args, func() Envelope {
			return reserveFilesInner(ctx, d, proj, agent, patterns, args)
		})
	}
	return reserveFilesInner(ctx, d, proj, agent, patterns, args)
}

func reserveFilesInner(ctx context.Context, d *Dispatcher, proj model.Project, agent model.Agent, patterns []string, args map[string]any) Envelope {
	var expiresAt *time.Time
	if s, isStr := args["expires"].(string); isStr && s != "" {
		if t, parseErr := time.Parse(time.RFC3339, s); parseErr == nil {
			expiresAt = &t
		}
	}

	var reservations []model.FileReservation
	for _, pattern := range patterns {
		r, err := d.reserve.Reserve(ctx, proj.ID, agent.ID, pattern, "editing", expiresAt)
		if err != nil {
			var conflict *reservation.ConflictError
			if errors.As(err, &conflict) {
				d.recordEvidence("dispatcher.reserve_files", "conflict", 1.0, map[string]any{"pattern": pattern, "conflicting_reservation_id": conflict.ConflictingID})
				return fail(newToolError(KindConflict, true, "pattern overlaps an active reservation",
					map[string]any{"conflicting_reservation_id": conflict.ConflictingID}))
			}
			return fail(classifyStoreError(err))
		}
		reservations = append(reservations, r)
	}

	d.recordEvidence("dispatcher.reserve_files", "reserved", 1.0, map[string]any{"count": len(reservations)})
	if len(reservations) == 1 {
		return ok(map[string]any{"reservation": reservations[0]})
	}
	return ok(map[string]any{"reservations": reservations})
}

func handleReleaseReservation(ctx context.Context, d *Dispatcher, args map[string]any) Envelope {
	projectKey, _ := args["project"].(string)
	agentRef, _ := args["agent"].(string)
	idFloat, _ := args["reservation_id"].(float64)

	if projectKey == "" || agentRef == "" || idFloat == 0 {
		return fail(newToolError(KindInvalidAgentName, false, "project, agent, and reservation_id are required", nil))
	}

	proj, err := d.store.GetProjectBySlugOrKey(ctx, projectKey)
	if err != nil {
		return fail(classifyStoreError(err))
	}
	agent, err := d.store.GetAgentByName(ctx, proj.ID, agentRef)
	if err != nil {
		return fail(classifyStoreError(err))
	}
	tagAuditProject(ctx, proj.ID)
	tagAuditAgent(ctx, agent.ID)

	if err := d.reserve.Release(ctx, int64(idFloat), agent.ID); err != nil {
		return fail(classifyStoreError(err))
	}
	return ok(map[string]any{"ok": true})
}

func handleSearch(ctx context.Context, d *Dispatcher, args map[string]any) Envelope {
	query, _ := args["query"].(string)
	if query == "" {
		return fail(newToolError(KindInvalidAgentName, false, "query is required", nil))
	}
	if d.searcher == nil {
		return fail(newToolError(KindFeatureDisabled, true, "search index is not configured", nil))
	}

	mode := model.ModeAuto
	if s, isStr := args["mode"].(string); isStr && s != "" {
		mode = model.SearchMode(s)
	}
	limit := 10
	if lim, isNum := args["limit"].(float64); isNum && lim > 0 {
		limit = int(lim)
	}
	var projectID *int64
	if projectKey, isStr := args["project"].(string); isStr && projectKey != "" {
		proj, err := d.store.GetProjectBySlugOrKey(ctx, projectKey)
		if err != nil {
			return fail(classifyStoreError(err))
		}
		projectID = &proj.ID
		tagAuditProject(ctx, proj.ID)
	}

	result, err := d.searcher.Search(ctx, query, mode, projectID, limit)
	if err != nil {
		return fail(classifyStoreError(err))
	}
	d.recordEvidence("dispatcher.search", "queried", 1.0, map[string]any{"mode_used": string(result.ModeUsed), "hits": len(result.Hits)})
	return ok(map[string]any{"hits": result.Hits, "mode_used": result.ModeUsed, "breakdown": result.Breakdown})
}
