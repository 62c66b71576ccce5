// Package passwordreset implements the forgot-password flow.
//
// A reset token lives only in the cache, under password_reset:{token}, for
// 15 minutes. Redemption uses GETDEL so a token works once even when two
// requests race:
//
//	flow.RequestReset(ctx, "ada@school.example")  // token goes to the Notifier
//	flow.ResetPassword(ctx, token, "n3w-passw0rd") // revokes all sessions
//
// The password policy runs before anything is consumed, so a weak password
// leaves the token redeemable.
package passwordreset
