// Package logging builds the daemon's zap logger.
//
// One root Logger is built from the "logging" config section at startup.
// It adds a Trace level below Debug, tees stdout with an otelzap bridge,
// redacts credentials in the encoder and samples each level below Error
// on its own budget. Components take Underlying() and add their own fields:
//
//	log := logger.Underlying().Named("jobs")
//
// Job and request scoped code adds correlation from the context:
//
//	ctx = logging.WithOwner(ctx, owner)
//	ctx = logging.WithJobID(ctx, job.ID)
//	log.Info("archive parsed", append(logging.ContextFields(ctx), zap.Int("messages", n))...)
//
// which writes
//
//	{"level":"info","msg":"archive parsed","owner.id":"alice","job.id":"3f1c...","messages":42}
//
// Trace and span IDs are added whenever the context carries a valid span.
//
// Tests use NewTestLogger, which records every entry and offers
// AssertLogged, AssertField and AssertNoSecrets.
package logging
