// Package sync keeps the local store and the remote backend in step.
//
// Reads go through Service accessors, one per cached entity. Each accessor
// answers from the local store when it holds anything for the key, and only
// on a local miss asks the backend, writing what it gets back into the
// local store. Local data is never refreshed while present.
//
// Health identities created while the backend was unreachable are stored
// locally with pending_verification set. ReconcilePending uploads them one
// at a time, checking for an existing backend row first so a number is
// never inserted twice, and records one ItemResult per pending record in
// the returned Report. A failure on one record never stops the pass.
//
// Basic usage:
//
//	database, err := db.Open(".medaid/cache.db")
//	if err != nil {
//	    return err
//	}
//	defer database.Close()
//	if err := database.InitSchema(); err != nil {
//	    return err
//	}
//
//	svc := sync.New(database, remoteStore, sync.DefaultConfig())
//	shots, err := svc.Vaccinations(ctx, healthID)
//	...
//	report := svc.ReconcilePending(ctx)
//	log.Printf("reconciled %d of %d", report.Reconciled, len(report.Items))
package sync
