// Package authn is the facade the API layer calls.
//
//	pair, err := svc.Login(ctx, authn.LoginRequest{
//		Identifier: "ada@school.example",
//		Password:   password,
//		Client:     auth.ClientInfo{IPAddress: ip, UserAgent: ua},
//	})
//	if err != nil {
//		http.Error(w, auth.PublicMessage(err), status)
//	}
//
// Each operation opens one span named authn.<operation> and records its
// duration and result code. Errors are *auth.Error values; anything else is
// an infrastructure failure.
package authn
