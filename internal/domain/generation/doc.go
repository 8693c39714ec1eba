// Package generation talks to the remote simulation generator.
//
// Generate issues exactly one authenticated POST and maps the response onto
// a closed set of outcomes:
//
//	{suggestion}             → *Clarification
//	{error}                  → *Failure{Reason: ReasonUpstream}
//	{markup, script, usage?} → *ArtifactOutcome
//	anything else            → *Failure{Reason: ReasonProtocol | ReasonMalformed}
//
// The service's older field names canvasHtml and jsCode are accepted as
// aliases. Every outcome keeps the raw body for display.
package generation
