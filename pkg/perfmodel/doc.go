// Package perfmodel predicts per-stage latency as a function of the stage's
// resource configuration.
//
// Four interchangeable strategies implement Model:
//
//   - Analytic: every phase follows a/x + b with x the allocated capacity.
//   - Mixed: per phase, the best of several white-box scaling forms, merged
//     into one 6-coefficient set that schedulers evaluate in closed form.
//     Mixed also samples coefficient sets from the fit's uncertainty.
//   - Distribution: empirical latency distributions per stage size that can be
//     blended, composed in parallel (max) and in series (sum).
//   - Genetic: a symbolic expression evolved by genetic programming.
//
// Models know their stage only by index and id (StageInfo); they never hold a
// reference to the owning DAG.
package perfmodel
