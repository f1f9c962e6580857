package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"efiling/internal/app"
	"efiling/internal/filing/verification/otp"
	id "efiling/pkg/domain"
	dErrors "efiling/pkg/domain-errors"
	"efiling/pkg/platform/httputil"
	"efiling/pkg/requestcontext"
)

// mountDev exposes the development providers so the whole flow can be
// driven locally without a bank, an SMS gateway or the authority.
func mountDev(r chi.Router, a *app.App) {
	r.Route("/dev", func(r chi.Router) {
		if a.DevSender != nil {
			r.Get("/otp/{subject}", func(w http.ResponseWriter, r *http.Request) {
				subject, err := id.ParseTaxpayerID(chi.URLParam(r, "subject"))
				if err != nil {
					httputil.WriteError(w, err)
					return
				}
				code, ok := a.DevSender.LastCode(otp.DevDestination(subject))
				if !ok {
					httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "no code sent"))
					return
				}
				httputil.WriteJSON(w, http.StatusOK, map[string]string{"otp": code})
			})
		}
		if a.DevBank != nil {
			// Stands in for the bank: authorizes the redirect and hands back
			// the callback token the bank would append to its return URL.
			r.Get("/bank/authorize", func(w http.ResponseWriter, r *http.Request) {
				q := r.URL.Query()
				result := q.Get("result")
				if result == "" {
					result = "approved"
				}
				token, err := a.DevBank.Authorize(q.Get("redirect_url"), q.Get("subject"), result, requestcontext.Now(r.Context()))
				if err != nil {
					httputil.WriteError(w, dErrors.Wrap(err, dErrors.CodeBadRequest, "authorization failed"))
					return
				}
				httputil.WriteJSON(w, http.StatusOK, map[string]string{"callback_token": token})
			})
		}
		if a.Simulator != nil {
			r.Mount("/authority", a.Simulator.Handler())
		}
	})
}
