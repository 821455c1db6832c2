package store

import (
	"fmt"
	"time"
)

// DynamoDB schema constants for single-table design
const (
	// Table attributes
	AttrPK         = "PK"
	AttrSK         = "SK"
	AttrGSI1PK     = "GSI1PK"
	AttrGSI1SK     = "GSI1SK"
	AttrGSI2PK     = "GSI2PK"
	AttrGSI2SK     = "GSI2SK"
	AttrEntityType = "entity_type"

	// Entity types
	EntityTypeDefinition = "WorkflowDefinition"
	EntityTypeRun        = "WorkflowRun"
	EntityTypeStepResult = "StepResult"
	EntityTypeApproval   = "ApprovalRequest"
	EntityTypeSchedule   = "ScheduleEntry"
	EntityTypeWebhook    = "Webhook"
	EntityTypeDelivery   = "WebhookDelivery"
	EntityTypeAudit      = "AuditLogEntry"

	// Index names
	IndexLookup    = "GSI1"
	IndexSecondary = "GSI2"
)

// Key builders for single-table design

// Definition keys: PK=WF#{id}, SK=META; GSI1 groups by trigger type for
// the trigger engine's match queries
func definitionPK(workflowID string) string {
	return fmt.Sprintf("WF#%s", workflowID)
}

func definitionGSI1PK(triggerType string) string {
	return fmt.Sprintf("DEF#TRIGGER#%s", triggerType)
}

// Run keys: PK=RUN#{id}, SK=META; GSI1 lists runs per workflow by
// status; GSI2 is populated only while the run is active, making
// CountActiveRuns an index count instead of a scan
func runPK(runID string) string {
	return fmt.Sprintf("RUN#%s", runID)
}

func runGSI1PK(workflowID, status string) string {
	return fmt.Sprintf("WF#%s#STATUS#%s", workflowID, status)
}

func runGSI2PK(workflowID string) string {
	return fmt.Sprintf("WF#%s#ACTIVE", workflowID)
}

// StepResult keys: PK=RUN#{runID}, SK=STEP#{stepID}
func stepResultSK(stepID string) string {
	return fmt.Sprintf("STEP#%s", stepID)
}

// Approval keys: PK=APPROVAL#{id}, SK=META; GSI1 holds the unresolved
// set, sorted by expiry
func approvalPK(approvalID string) string {
	return fmt.Sprintf("APPROVAL#%s", approvalID)
}

const approvalPendingGSI1PK = "APPROVAL#UNRESOLVED"

// Schedule keys: PK=SCHEDULE#{id}, SK=META; GSI1 sorts enabled entries
// by next fire time so due entries are one range query
func schedulePK(scheduleID string) string {
	return fmt.Sprintf("SCHEDULE#%s", scheduleID)
}

const scheduleDueGSI1PK = "SCHEDULE#ENABLED"

// Webhook keys: PK=HOOK#{id}, SK=META; GSI1 resolves incoming tokens;
// GSI2 groups by direction for delivery fan-out
func webhookPK(webhookID string) string {
	return fmt.Sprintf("HOOK#%s", webhookID)
}

func webhookTokenGSI1PK(token string) string {
	return fmt.Sprintf("TOKEN#%s", token)
}

func webhookDirectionGSI2PK(direction string) string {
	return fmt.Sprintf("HOOK#DIR#%s", direction)
}

// Delivery keys: PK=DLV#{id}, SK=META; GSI1 lists deliveries per
// webhook newest-first; GSI2 holds the dead-letter queue
func deliveryPK(deliveryID string) string {
	return fmt.Sprintf("DLV#%s", deliveryID)
}

func deliveryGSI1PK(webhookID string) string {
	return fmt.Sprintf("HOOK#%s#DLV", webhookID)
}

const deliveryDeadGSI2PK = "DLV#DEAD_LETTER"

// Audit keys: PK=AUDIT, SK=TS#{timestamp}#{id}; GSI1 narrows to a run
func auditSK(ts time.Time, id string) string {
	return fmt.Sprintf("TS#%s#%s", ts.UTC().Format(time.RFC3339Nano), id)
}

const auditPK = "AUDIT"

func auditRunGSI1PK(runID string) string {
	return fmt.Sprintf("AUDIT#RUN#%s", runID)
}

const metaSK = "META"

func sortableTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
