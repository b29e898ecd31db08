package schema

// documents maps event type → JSON Schema (draft 2020-12). These are the
// single source of truth for payload shape; the API validator and the
// reducers both consult the compiled forms.
var documents = map[string]string{
	// Agent aggregate.
	"AgentRegistered": `{
		"type": "object",
		"required": ["agentId", "ownerId"],
		"properties": {
			"agentId": {"type": "string", "minLength": 1},
			"ownerId": {"type": "string", "minLength": 1},
			"displayName": {"type": "string"},
			"capabilities": {"type": "array", "items": {"type": "string"}},
			"publicKeyHex": {"type": "string"},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3}
		}
	}`,
	"AgentLifecycleChanged": `{
		"type": "object",
		"required": ["lifecycle"],
		"properties": {
			"lifecycle": {"enum": ["active", "suspended", "throttled", "retired"]},
			"reason": {"type": "string"}
		}
	}`,
	"WalletCredited": `{
		"type": "object",
		"required": ["amountCents", "currency"],
		"properties": {
			"amountCents": {"type": "integer", "minimum": 1},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3},
			"memo": {"type": "string"}
		}
	}`,
	"SignerKeyRegistered": `{
		"type": "object",
		"required": ["keyId", "publicKeyHex"],
		"properties": {
			"keyId": {"type": "string", "minLength": 1},
			"publicKeyHex": {"type": "string", "pattern": "^[0-9a-f]{64}$"},
			"validFrom": {"type": "string"},
			"validTo": {"type": "string"}
		}
	}`,
	"SignerKeyRotated": `{
		"type": "object",
		"required": ["keyId"],
		"properties": {
			"keyId": {"type": "string", "minLength": 1},
			"replacementKeyId": {"type": "string"}
		}
	}`,
	"SignerKeyRevoked": `{
		"type": "object",
		"required": ["keyId"],
		"properties": {
			"keyId": {"type": "string", "minLength": 1},
			"reason": {"type": "string"}
		}
	}`,

	// Run aggregate.
	"RunCreated": `{
		"type": "object",
		"required": ["runId", "agentId"],
		"properties": {
			"runId": {"type": "string", "minLength": 1},
			"agentId": {"type": "string", "minLength": 1},
			"jobId": {"type": "string"},
			"quotedAmountCents": {"type": "integer", "minimum": 0},
			"currency": {"type": "string"},
			"slaSeconds": {"type": "integer", "minimum": 0}
		}
	}`,
	"RunEventAppended": `{
		"type": "object",
		"required": ["runId", "kind"],
		"properties": {
			"runId": {"type": "string", "minLength": 1},
			"kind": {"type": "string", "minLength": 1},
			"data": {"type": "object"}
		}
	}`,
	"RunCompleted": `{
		"type": "object",
		"required": ["runId", "status"],
		"properties": {
			"runId": {"type": "string", "minLength": 1},
			"status": {"enum": ["completed", "failed"]},
			"settledAt": {"type": "string"}
		}
	}`,

	// X402 gate aggregate.
	"GateCreated": `{
		"type": "object",
		"required": ["gateId", "payerAgentId", "payeeAgentId", "amountCents", "currency"],
		"properties": {
			"gateId": {"type": "string", "minLength": 1},
			"payerAgentId": {"type": "string", "minLength": 1},
			"payeeAgentId": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 1},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3},
			"toolId": {"type": "string"},
			"agentPassport": {"type": "object"},
			"policyRef": {"type": "string"},
			"delegationGrantRef": {"type": "string"},
			"sponsorWalletRef": {"type": "string"},
			"disputeWindowDays": {"type": "integer", "minimum": 0}
		}
	}`,
	"GatePaymentAuthorized": `{
		"type": "object",
		"required": ["holdId", "requestBinding", "bindingHash"],
		"properties": {
			"holdId": {"type": "string", "minLength": 1},
			"requestBinding": {
				"type": "object",
				"required": ["method", "host", "path", "bodySha256"],
				"properties": {
					"method": {"type": "string"},
					"host": {"type": "string"},
					"path": {"type": "string"},
					"bodySha256": {"type": "string"}
				}
			},
			"bindingHash": {"type": "string", "minLength": 1},
			"payToken": {"type": "object"},
			"decisionRecord": {"type": "object"},
			"taintEvidenceRefs": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	"GateVerificationRecorded": `{
		"type": "object",
		"required": ["verificationStatus", "verifierId"],
		"properties": {
			"verificationStatus": {"enum": ["green", "amber", "red"]},
			"runStatus": {"type": "string"},
			"verifierId": {"type": "string"},
			"verifierHash": {"type": "string"},
			"verificationMethod": {"type": "object"},
			"evidenceRefs": {"type": "array", "items": {"type": "string"}},
			"policy": {"type": "object"}
		}
	}`,
	"GateSettlementResolved": `{
		"type": "object",
		"required": ["status", "releasedAmountCents", "refundedAmountCents"],
		"properties": {
			"status": {"enum": ["released", "refunded", "partial"]},
			"releasedAmountCents": {"type": "integer", "minimum": 0},
			"refundedAmountCents": {"type": "integer", "minimum": 0},
			"ledgerEntryId": {"type": "string"},
			"disputeWindowEndsAt": {"type": "string"}
		}
	}`,
	"GateCanceled": `{
		"type": "object",
		"properties": {"reason": {"type": "string"}}
	}`,
	"GateDisputed": `{
		"type": "object",
		"required": ["caseId"],
		"properties": {"caseId": {"type": "string", "minLength": 1}}
	}`,
	"GateArbitrationStarted": `{
		"type": "object",
		"required": ["caseId"],
		"properties": {"caseId": {"type": "string", "minLength": 1}}
	}`,
	"GateResolved": `{
		"type": "object",
		"required": ["verdict"],
		"properties": {
			"verdict": {"enum": ["uphold", "reverse"]},
			"ledgerEntryId": {"type": "string"}
		}
	}`,
	"GateDisputeClosed": `{
		"type": "object",
		"required": ["caseId", "outcome"],
		"properties": {
			"caseId": {"type": "string", "minLength": 1},
			"outcome": {"enum": ["withdrawn", "auto_closed"]}
		}
	}`,

	// Grants.
	"GrantIssued": `{
		"type": "object",
		"required": ["grantKind", "grant"],
		"properties": {
			"grantKind": {"enum": ["authority", "delegation", "capability"]},
			"grant": {"type": "object"}
		}
	}`,
	"GrantRevoked": `{
		"type": "object",
		"properties": {
			"reason": {"type": "string"},
			"revokedBy": {"type": "string"}
		}
	}`,

	// Month close.
	"MonthCloseOpened": `{
		"type": "object",
		"required": ["month"],
		"properties": {"month": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}$"}}
	}`,
	"MonthCloseRequested": `{
		"type": "object",
		"required": ["month"],
		"properties": {
			"month": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}$"},
			"basis": {"type": "string"}
		}
	}`,
	"MonthCloseCompleted": `{
		"type": "object",
		"required": ["month", "statementArtifactId", "statementArtifactHash"],
		"properties": {
			"month": {"type": "string"},
			"statementArtifactId": {"type": "string"},
			"statementArtifactHash": {"type": "string"}
		}
	}`,
	"MonthCloseReopened": `{
		"type": "object",
		"required": ["month"],
		"properties": {
			"month": {"type": "string"},
			"reason": {"type": "string"}
		}
	}`,

	// Money rails.
	"RailOperationInitiated": `{
		"type": "object",
		"required": ["operationId", "providerId", "partyId", "amountCents", "currency", "period"],
		"properties": {
			"operationId": {"type": "string", "minLength": 1},
			"providerId": {"type": "string", "minLength": 1},
			"partyId": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 1},
			"currency": {"type": "string"},
			"period": {"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}$"},
			"payoutInstructionArtifactId": {"type": "string"}
		}
	}`,
	"RailOperationSubmitted": `{
		"type": "object",
		"properties": {"providerEventId": {"type": "string"}}
	}`,
	"RailOperationConfirmed": `{
		"type": "object",
		"required": ["providerEventId"],
		"properties": {"providerEventId": {"type": "string", "minLength": 1}}
	}`,
	"RailOperationReversed": `{
		"type": "object",
		"required": ["providerEventId", "reasonCode"],
		"properties": {
			"providerEventId": {"type": "string", "minLength": 1},
			"reasonCode": {"type": "string", "minLength": 1}
		}
	}`,
	"RailOperationFailed": `{
		"type": "object",
		"properties": {
			"providerEventId": {"type": "string"},
			"reasonCode": {"type": "string"}
		}
	}`,

	// Disputes and arbitration.
	"DisputeOpened": `{
		"type": "object",
		"required": ["caseId", "gateId", "openedBy"],
		"properties": {
			"caseId": {"type": "string", "minLength": 1},
			"gateId": {"type": "string", "minLength": 1},
			"openedBy": {"type": "string", "minLength": 1},
			"reason": {"type": "string"},
			"bindingEvidence": {"type": "object"},
			"evidenceRefs": {"type": "array", "items": {"type": "string"}}
		}
	}`,
	"DisputeEvidenceAdded": `{
		"type": "object",
		"required": ["evidenceRefs"],
		"properties": {
			"evidenceRefs": {"type": "array", "items": {"type": "string"}},
			"bindingEvidence": {"type": "object"}
		}
	}`,
	"DisputeEscalated": `{
		"type": "object",
		"required": ["arbitrationCaseId"],
		"properties": {
			"arbitrationCaseId": {"type": "string", "minLength": 1},
			"bindingEvidence": {"type": "object"}
		}
	}`,
	"DisputeClosed": `{
		"type": "object",
		"required": ["outcome"],
		"properties": {
			"outcome": {"enum": ["withdrawn", "settled", "escalated", "auto_closed"]},
			"bindingEvidence": {"type": "object"}
		}
	}`,
	"ArbitrationOpened": `{
		"type": "object",
		"required": ["caseId", "gateId", "disputeCaseId"],
		"properties": {
			"caseId": {"type": "string", "minLength": 1},
			"gateId": {"type": "string", "minLength": 1},
			"disputeCaseId": {"type": "string", "minLength": 1},
			"arbiterId": {"type": "string"},
			"bindingEvidence": {"type": "object"}
		}
	}`,
	"ArbitrationEvidenceAdded": `{
		"type": "object",
		"required": ["evidenceRefs"],
		"properties": {
			"evidenceRefs": {"type": "array", "items": {"type": "string"}},
			"bindingEvidence": {"type": "object"}
		}
	}`,
	"ArbitrationResolved": `{
		"type": "object",
		"required": ["verdict"],
		"properties": {
			"verdict": {"enum": ["uphold", "reverse"]},
			"arbiterId": {"type": "string"},
			"bindingEvidence": {"type": "object"}
		}
	}`,

	// Sessions (provenance / taint).
	"SessionTaintRecorded": `{
		"type": "object",
		"required": ["sessionId", "taintRefs"],
		"properties": {
			"sessionId": {"type": "string", "minLength": 1},
			"taintRefs": {"type": "array", "items": {"type": "string"}, "minItems": 1}
		}
	}`,

	// Governance (global stream).
	"PromptRiskForceModeSet": `{
		"type": "object",
		"required": ["forceMode"],
		"properties": {
			"forceMode": {"enum": ["allow", "challenge", "escalate"]},
			"principalId": {"type": "string"}
		}
	}`,
	"AggregateKillSwitchSet": `{
		"type": "object",
		"required": ["streamId", "reason"],
		"properties": {
			"streamId": {"type": "string", "minLength": 1},
			"reason": {"type": "string", "minLength": 1}
		}
	}`,

	// Billing subscriptions.
	"BillingProviderEventIngested": `{
		"type": "object",
		"required": ["providerId", "eventId", "eventType"],
		"properties": {
			"providerId": {"type": "string", "minLength": 1},
			"eventId": {"type": "string", "minLength": 1},
			"eventType": {"type": "string", "minLength": 1},
			"planId": {"type": "string"},
			"subscriptionRef": {"type": "string"},
			"data": {"type": "object"}
		}
	}`,
}
