// Package harness runs YAML acceptance scenarios against a started environment.
//
// # Scenario Format
//
//	name: player_goals
//	description: "A goal shows up in the player goals view"
//	vars:
//	  match: http://football-match:18081
//	setup:
//	  - insert_player: { id: 1, name: Kane }
//	flow:
//	  - command: { method: POST, url: "${match}/matches", body: '{"id":"m1"}', retry_on: 404 }
//	    expect: { status: 201 }
//	  - wait_events: { type: GoalScored, count: 1 }
//	  - wait_push: { type: PlayerGoals, count: 1 }
//	    expect: { last: { playerId: "1", goals: 1 } }
//	assertions:
//	  - type: trace_count
//	    action: command
//	    count: 1
//	  - type: final_state
//	    table: players
//	    where: { id: 1 }
//	    expect: { name: Kane }
//
// Every step sets exactly one of command, query, sql, insert_player,
// wait_events or wait_push. ${name} in a url, body or statement is replaced
// by the scenario variable, then by the environment variable of that name;
// unknown names are left as written.
//
// # Assertion Types
//
//   - trace_contains: a step of the action ran with matching args
//   - trace_order: actions ran in the given order
//   - trace_count: an action ran exactly N times
//   - final_state: one row of a store table has the expected values
//
// Setup failures abort the run with an error. A failing flow step is
// recorded in the result and ends the flow; assertions are still evaluated
// against the partial trace.
package harness
