// Package rules loads and serves the notification policy file.
//
// A rule file looks like:
//
//	version: 3
//	global:
//	  max_notifications_per_user_per_10_min: 12
//	  promotional_quiet_mode_cap_per_10_min: 2
//	  default_action: later
//	  later_delay_seconds: 120
//	rules:
//	  - name: drop_expired
//	    when: { expires_at_passed: true }
//	    action: never
//	    reason: Notification expired
//	  - name: quiet_promotions
//	    when: { event_type_in: [promotion], promotion_cap_exceeded: true }
//	    action: later
//	    delay_seconds: 900
//	    reason: Promotion quota reached
//
// Rules are evaluated in file order and the first full match wins. The file is validated
// once at load time: unknown keys (including misspelled "when" conditions), unknown actions
// and wrongly typed values reject the whole file.
package rules
