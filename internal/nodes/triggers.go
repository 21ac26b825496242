package nodes

import (
	"context"

	"github.com/flowforge-io/flowforge/internal/workflow"
)

// Trigger nodes are entry points. The engine seeds their input bundle from
// the trigger payload; their job is to pass it through with trigger metadata.

func triggerExecute(triggerType string) ExecuteFunc {
	return func(_ context.Context, in *Input) (*Output, error) {
		items := in.Items()
		if len(items) == 0 {
			items = []workflow.Item{{}}
		}
		out := make([]workflow.Item, 0, len(items))
		for _, item := range items {
			copied := make(workflow.Item, len(item)+1)
			for k, v := range item {
				copied[k] = v
			}
			copied["_trigger"] = map[string]interface{}{
				"type":        triggerType,
				"executionId": in.Meta.ExecutionID,
				"workflowId":  in.Meta.WorkflowID,
			}
			out = append(out, copied)
		}
		return NewOutput(out...), nil
	}
}

// NewManualTrigger starts a workflow from an explicit user action.
func NewManualTrigger() *NodeType {
	return &NodeType{
		Type:        "manual_trigger",
		DisplayName: "Manual Trigger",
		Group:       "trigger",
		Version:     "1.0",
		Inputs:      []string{},
		Outputs:     []string{workflow.MainChannel},
		Trigger:     true,
		Execute:     triggerExecute("manual"),
	}
}

// NewWebhookTrigger starts a workflow from an inbound HTTP call. The ingress
// layer delivers the request body and headers as the trigger payload.
func NewWebhookTrigger() *NodeType {
	return &NodeType{
		Type:        "webhook_trigger",
		DisplayName: "Webhook Trigger",
		Group:       "trigger",
		Version:     "1.0",
		Properties: []Property{
			{Name: "path", DisplayName: "Path", Type: "string", Required: true},
			{Name: "method", DisplayName: "Method", Type: "options", Default: "POST",
				Options: []interface{}{"GET", "POST", "PUT", "DELETE"}},
		},
		Inputs:  []string{},
		Outputs: []string{workflow.MainChannel},
		Trigger: true,
		Execute: triggerExecute("webhook"),
	}
}

// NewScheduleTrigger starts a workflow on a cron schedule.
func NewScheduleTrigger() *NodeType {
	return &NodeType{
		Type:        "schedule_trigger",
		DisplayName: "Schedule Trigger",
		Group:       "trigger",
		Version:     "1.0",
		Properties: []Property{
			{Name: "cron", DisplayName: "Cron Expression", Type: "string", Required: true,
				Description: "Standard five-field cron expression"},
		},
		Inputs:  []string{},
		Outputs: []string{workflow.MainChannel},
		Trigger: true,
		Execute: triggerExecute("schedule"),
	}
}
