package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type Server struct {
	Router *chi.Mux
}

func NewServer(handler *Handler, auth *Authenticator) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Logger)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	// Reads and withdrawals need no caller identity.
	r.Get("/orders/{orderId}", handler.GetOrder)
	r.Get("/withdrawals/{orderId}", handler.GetWithdrawal)
	r.Get("/balances/{address}", handler.GetBalance)
	r.Post("/orders/{orderId}/refund/complete", handler.CompleteRefund)
	r.Post("/private/orders/{orderId}/withdraw", handler.WithdrawRefund)

	authed := r.With(auth.Middleware)
	authed.Post("/orders", handler.OpenOrder)
	authed.Post("/orders/{orderId}/pay", handler.PayOrder)
	authed.Post("/orders/{orderId}/cancel", handler.CancelOrder)
	authed.Post("/orders/{orderId}/refund", handler.BeginRefund)
	authed.Post("/orders/{orderId}/settle", handler.SettleOrder)

	authed.Post("/private/orders/{orderId}/pay", handler.PayForOrder)
	authed.Post("/private/orders/{orderId}/refund", handler.RefundPayment)

	authed.Post("/allowances", handler.Approve)

	authed.Put("/admin/gateway", handler.SetGateway)
	authed.Put("/admin/merchant-wallet", handler.SetMerchantWallet)
	authed.Put("/admin/deals-history", handler.SetDealsHistory)
	authed.Put("/admin/owner", handler.TransferOwnership)
	authed.Post("/admin/pause", handler.Pause)
	authed.Post("/admin/unpause", handler.Unpause)
	authed.Put("/admin/operators/{address}", handler.AddOperator)
	authed.Delete("/admin/operators/{address}", handler.RemoveOperator)
	authed.Post("/admin/deposits", handler.Deposit)

	return &Server{Router: r}
}

// Handler wraps the router with OpenTelemetry server instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Router, "payment-processor-api")
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
