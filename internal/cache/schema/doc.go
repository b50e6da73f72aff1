// Package schema defines the record types held in the local health-records cache.
//
// # Overview
//
// The cache mirrors seven collections of the remote backend. Each collection
// is a flat JSON document keyed by "id", plus a small set of declared
// secondary fields that the local store indexes for lookups:
//
//	health_ids          id, health_id_number, pending_verification
//	family_members      id, primary_health_id
//	vaccinations        id, health_id, administered_date
//	medical_records     id, health_id, diagnosis_date
//	insurance_policies  id, health_id, status
//	consultations       id, patient_id, created_at
//	appointments        id, patient_id, appointment_date
//
// # Sync Bookkeeping
//
// HealthIdentity carries three local-only fields: pending_verification,
// synced_at and server_id. A record created while offline is stored with a
// provisional "local-<uuid>" id and pending_verification=true:
//
//	{
//	  "id": "local-6f1c...",
//	  "health_id_number": "27-1234-5678-9012",
//	  "full_name": "Asha Rao",
//	  "pending_verification": true
//	}
//
// Once reconciled it looks like:
//
//	{
//	  "id": "local-6f1c...",
//	  "health_id_number": "27-1234-5678-9012",
//	  "full_name": "Asha Rao",
//	  "pending_verification": false,
//	  "synced_at": "2026-01-10T07:36:29Z",
//	  "server_id": "srv-99"
//	}
//
// The bookkeeping fields never leave the device: InsertPayload strips them.
//
// # Dates
//
// Date and timestamp fields are kept as the ISO-8601 strings the backend
// returns ("2024-03-01" or "2024-03-01T09:30:00Z"). ISO strings order
// lexically, which is what the local store relies on for ORDER BY.
package schema
