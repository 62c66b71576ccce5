// Package sessions keeps the bookkeeping row for every issued access token.
//
// A session is opened on login, register and refresh, and closed on logout,
// password change and replay detection. The registry holds no validation
// logic; it only records and removes rows.
package sessions
