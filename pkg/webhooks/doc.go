// Package webhooks delivers outbound billing notifications.
//
// A Manager implements billing.Notifier. Each notification is POSTed as JSON
// to every subscribed endpoint with these headers:
//
//	X-Creditd-Signature: sha256=<hex HMAC-SHA256 of the body>
//	X-Creditd-Event:     plan.upgraded
//	X-Creditd-Event-ID:  evt_...
//	X-Creditd-Delivery:  <delivery id, stable across retries>
//
// Failed deliveries are retried with exponential backoff by a RetryWorker.
// Every attempt is recorded in a bounded in-memory DeliveryLogStore, exposed by
// Handlers at GET /internal/v1/notifications/deliveries.
//
// Receivers verify deliveries with VerifySignature:
//
//	body, _ := io.ReadAll(r.Body)
//	if !webhooks.VerifySignature(body, r.Header.Get(webhooks.SignatureHeader), secret) {
//		http.Error(w, "bad signature", http.StatusUnauthorized)
//		return
//	}
package webhooks
