// Package txexec submits state-changing calls with a bounded retry policy.
//
// Every attempt refreshes the signer nonce, submits with explicit fee
// parameters and waits for confirmation under a timeout. A confirmation that
// times out is treated as a failure and retried with a fresh nonce, so a
// transaction that is mined after the local timeout may be executed twice.
package txexec
